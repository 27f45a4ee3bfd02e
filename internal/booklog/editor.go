package booklog

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/util"
)

// DefaultSettleDelay lets the form's client-side validation run before saving
const DefaultSettleDelay = time.Second

// Edit form selectors
const (
	selStatusArea     = "td#status p.edit-status"
	selReadAtArea     = "td#status div.edit-status-area"
	selReadAtNull     = "td#status div#read_at input#read_at_null"
	selReadAtNullLbl  = `td#status div#read_at label[for="read_at_null"]`
	selReadDate       = "td#status div#read_at input#read-date"
	selRatingArea     = "div.edit-rating"
	selReviewArea     = "div.edit-review-area"
	selReview         = "div.edit-review-area textarea#edit-review"
	selSpoiler        = "div.edit-review-area div.netabare input.edit-netabare"
	selTags           = "textarea#tags"
	selMemo           = "textarea#memo"
	selPrivate        = "input#book_secret"
	selSave           = `div#edit_panels p.buttons button[type="submit"]`
	unsetRatingMarker = "x"
)

var readAtPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Editor applies an Edit to the edit page of one shelf record
type Editor struct {
	page   browser.Page
	itemID string
	settle time.Duration
	log    *logger.Logger
}

// NewEditor binds an editor to page, which must already show the edit page of itemID
func NewEditor(page browser.Page, itemID string) *Editor {
	return &Editor{
		page:   page,
		itemID: itemID,
		settle: DefaultSettleDelay,
		log: logger.Get().WithFields(map[string]interface{}{
			"component": "booklog-editor",
			"item_id":   itemID,
		}),
	}
}

// Apply sets every present field of edit in a fixed order and saves the form.
// Each field is validated when it is reached, so a rejected field leaves the
// fields before it applied on the page. The edit is not transactional.
func (e *Editor) Apply(ctx context.Context, edit Edit) error {
	current, err := e.page.URL(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(current, EditURLPrefix) {
		return fmt.Errorf("%w: %s is not an edit page", ErrValidation, current)
	}

	steps := []struct {
		name    string
		present bool
		apply   func(context.Context) error
	}{
		{"status", edit.Status != nil, func(ctx context.Context) error { return e.setStatus(ctx, *edit.Status) }},
		{"readAt", edit.ReadAt != nil, func(ctx context.Context) error { return e.setReadAt(ctx, *edit.ReadAt) }},
		{"rating", edit.Rating != nil, func(ctx context.Context) error { return e.setRating(ctx, *edit.Rating) }},
		{"category", edit.Category != nil, func(context.Context) error { return fmt.Errorf("category: %w", ErrNotImplemented) }},
		{"review", edit.Review != nil || edit.IsReviewSpoiler != nil, func(ctx context.Context) error {
			return e.setReview(ctx, edit.Review, edit.IsReviewSpoiler)
		}},
		{"tags", edit.Tags != nil, func(ctx context.Context) error { return e.setTags(ctx, edit.Tags) }},
		{"createdAt", edit.CreatedAt != nil, func(context.Context) error { return fmt.Errorf("createdAt: %w", ErrNotImplemented) }},
		{"memo", edit.Memo != nil, func(ctx context.Context) error { return e.setMemo(ctx, *edit.Memo) }},
		{"isPrivate", edit.IsPrivate != nil, func(ctx context.Context) error { return e.setPrivate(ctx, *edit.IsPrivate) }},
	}

	for _, step := range steps {
		if !step.present {
			continue
		}
		if err := step.apply(ctx); err != nil {
			e.log.Warn("Failed to apply field", map[string]interface{}{
				"field": step.name,
				"error": err,
			})
			return err
		}
		e.log.Debug("Applied field", map[string]interface{}{"field": step.name})
	}

	if err := util.Sleep(ctx, e.settle); err != nil {
		return err
	}
	return e.save(ctx)
}

func (e *Editor) save(ctx context.Context) error {
	if err := e.page.WaitVisible(ctx, selSave, 0); err != nil {
		return err
	}
	if err := e.page.ClickAndWaitNavigation(ctx, selSave); err != nil {
		return fmt.Errorf("failed to save %s: %w", e.itemID, err)
	}
	e.log.Info("Saved shelf record")
	return nil
}

// StatusSelector returns the status radio label of itemID
func StatusSelector(status Status, itemID string) string {
	return fmt.Sprintf(`%s > label[for="status%d_1_%s"]`, selStatusArea, int(status), itemID)
}

func (e *Editor) setStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status value %d", ErrValidation, int(status))
	}
	if err := e.page.WaitVisible(ctx, selStatusArea, 0); err != nil {
		return err
	}

	sel := StatusSelector(status, e.itemID)
	if err := e.page.ScrollIntoView(ctx, sel); err != nil {
		return err
	}
	return e.page.Click(ctx, sel)
}

// setReadAt sets the read date. An empty value checks the "no date" box,
// clicking it only when it is not checked yet.
func (e *Editor) setReadAt(ctx context.Context, readAt string) error {
	if readAt != "" && !readAtPattern.MatchString(readAt) {
		return fmt.Errorf("%w: read date %q is not YYYY-MM-DD", ErrValidation, readAt)
	}
	if err := e.page.WaitVisible(ctx, selReadAtArea, 0); err != nil {
		return err
	}

	if readAt == "" {
		checked, err := e.page.Checked(ctx, selReadAtNull)
		if err != nil {
			return err
		}
		if checked {
			return nil
		}
		return e.page.Click(ctx, selReadAtNullLbl)
	}

	return e.page.SetValue(ctx, selReadDate, readAt)
}

// setRating clicks the rating star; 0 selects the "no rating" marker
func (e *Editor) setRating(ctx context.Context, rating int) error {
	if rating < 0 || rating > 5 {
		return fmt.Errorf("%w: rating %d is outside 1..5", ErrValidation, rating)
	}
	if err := e.page.WaitVisible(ctx, selRatingArea, 0); err != nil {
		return err
	}

	value := unsetRatingMarker
	if rating > 0 {
		value = strconv.Itoa(rating)
	}
	return e.page.Click(ctx, fmt.Sprintf(`%s img[alt="%s"]`, selRatingArea, value))
}

func (e *Editor) setReview(ctx context.Context, review *string, spoiler *bool) error {
	if err := e.page.WaitVisible(ctx, selReviewArea, 0); err != nil {
		return err
	}
	if review != nil {
		if err := e.page.SetValue(ctx, selReview, *review); err != nil {
			return err
		}
	}
	if spoiler != nil {
		return e.toggle(ctx, selSpoiler, *spoiler)
	}
	return nil
}

// setTags writes the tags space separated; tags containing spaces would split
func (e *Editor) setTags(ctx context.Context, tags []string) error {
	if err := e.page.WaitVisible(ctx, selTags, 0); err != nil {
		return err
	}
	return e.page.SetValue(ctx, selTags, strings.Join(tags, " "))
}

func (e *Editor) setMemo(ctx context.Context, memo string) error {
	if err := e.page.WaitVisible(ctx, selMemo, 0); err != nil {
		return err
	}
	return e.page.SetValue(ctx, selMemo, memo)
}

func (e *Editor) setPrivate(ctx context.Context, private bool) error {
	if err := e.page.WaitVisible(ctx, selPrivate, 0); err != nil {
		return err
	}
	return e.toggle(ctx, selPrivate, private)
}

// toggle clicks a checkbox only when its state differs from want
func (e *Editor) toggle(ctx context.Context, selector string, want bool) error {
	checked, err := e.page.Checked(ctx, selector)
	if err != nil {
		return err
	}
	if checked == want {
		return nil
	}
	return e.page.Click(ctx, selector)
}
