package booklog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/drallgood/kindle-booklog-sync/internal/browser"
	"github.com/drallgood/kindle-booklog-sync/internal/browser/browsertest"
	"github.com/drallgood/kindle-booklog-sync/internal/logger"
	"github.com/drallgood/kindle-booklog-sync/internal/session"
)

func init() {
	logger.Setup(logger.Config{Level: "debug", Format: "json"})
}

func ptr[T any](v T) *T { return &v }

// addEditForm populates p with the elements of the edit page of itemID
func addEditForm(p *browsertest.Page, itemID string) {
	p.AddElement(selStatusArea, nil)
	for s := StatusUnset; s <= StatusShelved; s++ {
		p.AddElement(StatusSelector(s, itemID), nil)
	}
	p.AddElement(selReadAtArea, nil)
	null := p.AddElement(selReadAtNull, &browsertest.Element{Checkbox: true})
	p.AddElement(selReadAtNullLbl, &browsertest.Element{
		OnClick: func(*browsertest.Page) { null.Checked = !null.Checked },
	})
	p.AddElement(selReadDate, nil)
	p.AddElement(selRatingArea, nil)
	for _, v := range []string{"x", "1", "2", "3", "4", "5"} {
		p.AddElement(fmt.Sprintf(`div.edit-rating img[alt="%s"]`, v), nil)
	}
	p.AddElement(selReviewArea, nil)
	p.AddElement(selReview, nil)
	p.AddElement(selSpoiler, &browsertest.Element{Checkbox: true})
	p.AddElement(selTags, nil)
	p.AddElement(selMemo, nil)
	p.AddElement(selPrivate, &browsertest.Element{Checkbox: true})
	p.AddElement(selSave, nil)
}

func newEditPage(itemID string) *browsertest.Page {
	p := browsertest.NewPage()
	p.CurrentURL = EditURL(itemID)
	addEditForm(p, itemID)
	return p
}

func newTestEditor(p *browsertest.Page, itemID string) *Editor {
	e := NewEditor(p, itemID)
	e.settle = 0
	return e
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		label string
		want  Status
		value int
	}{
		{"", StatusUnset, 0},
		{"読みたい", StatusWantToRead, 1},
		{"いま読んでる", StatusReading, 2},
		{"読み終わった", StatusFinished, 3},
		{"積読", StatusShelved, 4},
	}

	for _, tt := range tests {
		got, err := ParseStatus(tt.label)
		require.NoError(t, err, tt.label)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.value, int(got))
		assert.Equal(t, tt.label, got.Label())
	}

	_, err := ParseStatus("読書中")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusFromInt(t *testing.T) {
	for v := 0; v <= 4; v++ {
		s, err := StatusFromInt(v)
		require.NoError(t, err)
		assert.Equal(t, v, int(s))
	}

	for _, v := range []int{-1, 5, 42} {
		_, err := StatusFromInt(v)
		assert.ErrorIs(t, err, ErrValidation, "value %d", v)
	}

	assert.Equal(t, "finished", StatusFinished.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}

func encodeSJIS(t *testing.T, s string) string {
	t.Helper()
	out, _, err := transform.String(japanese.ShiftJIS.NewEncoder(), s)
	require.NoError(t, err)
	return out
}

const sampleExport = `1,4088820991,9784088820996,,5,読み終わった,面白かった,漫画 kindle,,2023-05-01 12:00:00,2023-05-03,ワンピース 1,尾田栄一郎,集英社,1997-12-24,コミック,216
1,B0BXYZ1234,,,,,,,,2024-01-10 08:30:00,,Kindle本,著者,出版社,2024-01-01,,
1,b0bxyz1234,,,3,積読,,,,2024-01-11 08:30:00,,Duplicate,著者,出版社,2024-01-01,,
`

func TestParseExport(t *testing.T) {
	books, err := ParseExport(strings.NewReader(encodeSJIS(t, sampleExport)))
	require.NoError(t, err)
	require.Len(t, books, 2, "the duplicated item keeps its first row")

	first := books[0]
	assert.Equal(t, 1, first.ServiceID)
	assert.Equal(t, "4088820991", first.ItemID)
	assert.Equal(t, "9784088820996", first.ISBN)
	assert.Equal(t, 5, first.Rating)
	assert.Equal(t, StatusFinished, first.Status)
	assert.Equal(t, "面白かった", first.Review)
	assert.Equal(t, []string{"漫画", "kindle"}, first.Tags)
	assert.Equal(t, "2023-05-03", first.ReadAt)
	assert.Equal(t, "ワンピース 1", first.Title)
	assert.Equal(t, "尾田栄一郎", first.Author)
	assert.Equal(t, 216, first.PageCount)

	second := books[1]
	assert.Equal(t, "B0BXYZ1234", second.ItemID)
	assert.Equal(t, StatusUnset, second.Status)
	assert.Equal(t, 0, second.Rating)
	assert.Equal(t, 0, second.PageCount)
	assert.Empty(t, second.Tags)
}

func TestParseExportErrors(t *testing.T) {
	tests := map[string]string{
		"short row":      "1,B1,,,\n",
		"unknown status": "1,B1,,,,未読,,,,,,,,,,,\n",
		"bad rating":     "1,B1,,,five,,,,,,,,,,,,\n",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseExport(strings.NewReader(encodeSJIS(t, input)))
			assert.Error(t, err)
		})
	}

	_, err := ParseExport(strings.NewReader(encodeSJIS(t, tests["unknown status"])))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEditorAppliesFieldsInOrder(t *testing.T) {
	page := newEditPage("B1")
	page.Element(selSpoiler).Checked = false

	edit := Edit{
		Status:          ptr(StatusFinished),
		ReadAt:          ptr("2024-01-02"),
		Rating:          ptr(4),
		Review:          ptr("good"),
		IsReviewSpoiler: ptr(true),
		Tags:            []string{"kindle", "EBOOK"},
		Memo:            ptr("memo"),
		IsPrivate:       ptr(false),
	}
	require.NoError(t, newTestEditor(page, "B1").Apply(context.Background(), edit))

	status := StatusSelector(StatusFinished, "B1")
	assert.Equal(t, []string{
		"wait " + selStatusArea,
		"scroll " + status,
		"click " + status,
		"wait " + selReadAtArea,
		"set " + selReadDate,
		"wait " + selRatingArea,
		`click div.edit-rating img[alt="4"]`,
		"wait " + selReviewArea,
		"set " + selReview,
		"click " + selSpoiler,
		"wait " + selTags,
		"set " + selTags,
		"wait " + selMemo,
		"set " + selMemo,
		"wait " + selPrivate,
		"wait " + selSave,
		"click " + selSave,
	}, page.Calls())

	assert.Equal(t, `td#status p.edit-status > label[for="status3_1_B1"]`, status)
	assert.Equal(t, "2024-01-02", page.Element(selReadDate).Value)
	assert.Equal(t, "good", page.Element(selReview).Value)
	assert.True(t, page.Element(selSpoiler).Checked)
	assert.Equal(t, "kindle EBOOK", page.Element(selTags).Value)
	assert.Equal(t, "memo", page.Element(selMemo).Value)
	assert.False(t, page.Element(selPrivate).Checked)
}

func TestEditorPartialFailure(t *testing.T) {
	page := newEditPage("B1")

	err := newTestEditor(page, "B1").Apply(context.Background(), Edit{
		Status: ptr(StatusReading),
		Rating: ptr(7),
	})
	require.ErrorIs(t, err, ErrValidation)

	calls := page.Calls()
	assert.Contains(t, calls, "click "+StatusSelector(StatusReading, "B1"), "status stays applied")
	assert.NotContains(t, calls, "wait "+selRatingArea, "rating never touches the page")
	assert.NotContains(t, calls, "click "+selSave, "nothing is saved")
}

func TestEditorUnsupportedFields(t *testing.T) {
	page := newEditPage("B1")
	err := newTestEditor(page, "B1").Apply(context.Background(), Edit{
		Status:   ptr(StatusWantToRead),
		Category: ptr("漫画"),
		Memo:     ptr("never written"),
	})
	require.ErrorIs(t, err, ErrNotImplemented)
	assert.Contains(t, page.Calls(), "click "+StatusSelector(StatusWantToRead, "B1"))
	assert.Empty(t, page.Element(selMemo).Value)

	page = newEditPage("B1")
	err = newTestEditor(page, "B1").Apply(context.Background(), Edit{CreatedAt: ptr("2024-01-01 00:00:00")})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestEditorInvalidStatus(t *testing.T) {
	page := newEditPage("B1")
	err := newTestEditor(page, "B1").Apply(context.Background(), Edit{Status: ptr(Status(5))})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, page.Calls())
}

func TestEditorClearReadAtIsIdempotent(t *testing.T) {
	page := newEditPage("B1")
	editor := newTestEditor(page, "B1")

	require.NoError(t, editor.Apply(context.Background(), Edit{ReadAt: ptr("")}))
	assert.True(t, page.Element(selReadAtNull).Checked)

	require.NoError(t, editor.Apply(context.Background(), Edit{ReadAt: ptr("")}))
	assert.True(t, page.Element(selReadAtNull).Checked, "a second clear does not toggle the box off")

	clicks := 0
	for _, c := range page.Calls() {
		if c == "click "+selReadAtNullLbl {
			clicks++
		}
	}
	assert.Equal(t, 1, clicks)
}

func TestEditorReadAtValidation(t *testing.T) {
	for _, value := range []string{"2024/01/02", "2024-1-2", "yesterday", "2024-01-02T00:00:00"} {
		page := newEditPage("B1")
		err := newTestEditor(page, "B1").Apply(context.Background(), Edit{ReadAt: ptr(value)})
		assert.ErrorIs(t, err, ErrValidation, value)
		assert.Empty(t, page.Calls(), value)
	}
}

func TestEditorRating(t *testing.T) {
	tests := []struct {
		rating  int
		clicked string
		wantErr bool
	}{
		{rating: 0, clicked: `div.edit-rating img[alt="x"]`},
		{rating: 1, clicked: `div.edit-rating img[alt="1"]`},
		{rating: 5, clicked: `div.edit-rating img[alt="5"]`},
		{rating: 6, wantErr: true},
		{rating: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rating), func(t *testing.T) {
			page := newEditPage("B1")
			err := newTestEditor(page, "B1").Apply(context.Background(), Edit{Rating: ptr(tt.rating)})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, page.Calls(), "click "+tt.clicked)
		})
	}
}

func TestEditorCheckboxesReadBeforeWrite(t *testing.T) {
	page := newEditPage("B1")
	page.Element(selSpoiler).Checked = true
	page.Element(selPrivate).Checked = true

	require.NoError(t, newTestEditor(page, "B1").Apply(context.Background(), Edit{
		IsReviewSpoiler: ptr(true),
		IsPrivate:       ptr(true),
	}))

	assert.NotContains(t, page.Calls(), "click "+selSpoiler)
	assert.NotContains(t, page.Calls(), "click "+selPrivate)
	assert.NotContains(t, page.Calls(), "set "+selReview, "review text is untouched when absent")

	require.NoError(t, newTestEditor(page, "B1").Apply(context.Background(), Edit{IsPrivate: ptr(false)}))
	assert.Contains(t, page.Calls(), "click "+selPrivate)
	assert.False(t, page.Element(selPrivate).Checked)
}

func TestEditorEmptyTagsClear(t *testing.T) {
	page := newEditPage("B1")
	page.Element(selTags).Value = "old tags"

	require.NoError(t, newTestEditor(page, "B1").Apply(context.Background(), Edit{Tags: []string{}}))
	assert.Equal(t, "", page.Element(selTags).Value)
}

func TestEditorRejectsOtherPages(t *testing.T) {
	page := newEditPage("B1")
	page.CurrentURL = "https://booklog.jp/users/reader"

	err := newTestEditor(page, "B1").Apply(context.Background(), Edit{Memo: ptr("x")})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, page.Calls())
}

func TestEditorMissingElementTimesOut(t *testing.T) {
	page := browsertest.NewPage()
	page.CurrentURL = EditURL("B1")

	err := newTestEditor(page, "B1").Apply(context.Background(), Edit{Memo: ptr("x")})
	assert.ErrorIs(t, err, browser.ErrTimeout)
}

func TestEditEmpty(t *testing.T) {
	assert.True(t, Edit{}.Empty())
	assert.False(t, Edit{Tags: []string{}}.Empty())
	assert.False(t, Edit{IsPrivate: ptr(false)}.Empty())
}

func TestShelfAdd(t *testing.T) {
	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Routes[EditURL("B1")] = func(p *browsertest.Page) {
			p.AddElement(selAddButton, nil)
		}
	})
	shelf := NewShelf(b, nil, nil)

	require.NoError(t, shelf.Add(context.Background(), "B1"))
	require.Len(t, b.Opened(), 1)
	assert.Contains(t, b.Opened()[0].Calls(), "click "+selAddButton)
	assert.True(t, b.Opened()[0].Closed())

	// Already shelved: no add button
	require.NoError(t, shelf.Add(context.Background(), "B2"))
	assert.NotContains(t, b.Opened()[1].Calls(), "click "+selAddButton)
	assert.True(t, b.Opened()[1].Closed())
}

func TestShelfUpdate(t *testing.T) {
	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Routes[EditURL("B1")] = func(p *browsertest.Page) { addEditForm(p, "B1") }
	})
	shelf := NewShelf(b, nil, nil)
	shelf.settle = 0

	require.NoError(t, shelf.Update(context.Background(), "B1", Edit{Status: ptr(StatusFinished)}))
	page := b.Opened()[0]
	assert.Contains(t, page.Calls(), "click "+StatusSelector(StatusFinished, "B1"))
	assert.Contains(t, page.Calls(), "click "+selSave)
	assert.True(t, page.Closed())
}

func TestShelfDetectsStaleSession(t *testing.T) {
	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Routes[ExportURL] = func(p *browsertest.Page) { p.CurrentURL = LoginURL }
	})

	_, err := NewShelf(b, nil, nil).Books(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionStale)
	assert.False(t, b.Opened()[0].Closed(), "sign-in page stays open")
}

func TestShelfBooks(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("bl_session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/csv; charset=Shift_JIS")
		fmt.Fprint(w, encodeSJIS(t, sampleExport))
	}))
	defer srv.Close()

	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Jar = []browser.Cookie{
			{Name: "bl_session", Value: "abc", Domain: "127.0.0.1"},
			{Name: "other", Value: "zzz", Domain: ".example.com"},
		}
		p.Routes[ExportURL] = func(p *browsertest.Page) {
			p.AddElement(selExport, &browsertest.Element{
				Attrs: map[string]string{"href": srv.URL + "/export/download.csv"},
			})
		}
	})

	books, err := NewShelf(b, srv.Client(), nil).Books(context.Background())
	require.NoError(t, err)
	assert.Len(t, books, 2)
	assert.Equal(t, "abc", gotCookie)
	assert.True(t, b.Opened()[0].Closed())
}

func TestShelfBooksDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Routes[ExportURL] = func(p *browsertest.Page) {
			p.AddElement(selExport, &browsertest.Element{Attrs: map[string]string{"href": srv.URL}})
		}
	})

	_, err := NewShelf(b, srv.Client(), nil).Books(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 410")
	assert.False(t, b.Opened()[0].Closed())
	assert.Len(t, b.Pages(), 1)
}

func TestShelfKeepsFailedPagesOpen(t *testing.T) {
	b := browsertest.NewBrowser(func(p *browsertest.Page) {
		p.Routes[EditURL("B1")] = func(p *browsertest.Page) {
			p.AddElement(selAddButton, nil)
			p.Errors["click "+selAddButton] = errors.New("navigation aborted")
		}
		p.Routes[EditURL("B2")] = func(p *browsertest.Page) { addEditForm(p, "B2") }
	})
	shelf := NewShelf(b, nil, nil).WithSettleDelay(0)

	err := shelf.Add(context.Background(), "B1")
	require.Error(t, err)
	assert.False(t, b.Opened()[0].Closed())

	// Out-of-range status
	err = shelf.Update(context.Background(), "B2", Edit{Status: ptr(Status(99))})
	require.Error(t, err)
	assert.False(t, b.Opened()[1].Closed())

	require.NoError(t, shelf.Update(context.Background(), "B2", Edit{Status: ptr(StatusFinished)}))
	assert.True(t, b.Opened()[2].Closed())
	assert.Len(t, b.Pages(), 2)
}

func TestResolveRelativeExportURL(t *testing.T) {
	got, err := resolve(ExportURL, "/export/csv?token=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://booklog.jp/export/csv?token=abc", got)
}

func TestSessionProfile(t *testing.T) {
	p := SessionProfile()
	assert.False(t, p.IsAuthenticated(LoginURL))
	assert.True(t, p.IsAuthenticated("https://booklog.jp/home"))
	assert.True(t, p.AwaitNavigation)
	assert.Nil(t, p.MFA)
}
