package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPassthrough(t *testing.T) {
	opts := LaunchOptions{Headless: true, Flags: DefaultFlags()}

	err := opts.ApplyPassthrough(map[string]interface{}{
		"executablePath": "/usr/bin/chromium-browser",
		"headless":       false,
		"userDataDir":    "/data/profile",
		"args":           []interface{}{"--lang=ja-JP", "--mute-audio", "  "},
		"slowMo":         100,
		"defaultViewport": map[string]interface{}{
			"width": 1280,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/chromium-browser", opts.ExecPath)
	assert.False(t, opts.Headless)
	assert.Equal(t, "/data/profile", opts.UserDataDir)
	assert.Equal(t, "ja-JP", opts.Flags["lang"])
	assert.Equal(t, true, opts.Flags["mute-audio"])
	assert.Equal(t, 100, opts.Flags["slowMo"])
	assert.NotContains(t, opts.Flags, "defaultViewport", "non-scalar options are not switches")
	assert.Equal(t, true, opts.Flags["no-sandbox"], "defaults are kept")
}

func TestApplyPassthroughHeadlessModes(t *testing.T) {
	tests := []struct {
		value interface{}
		want  bool
	}{
		{value: true, want: true},
		{value: false, want: false},
		{value: "new", want: true},
		{value: "shell", want: true},
		{value: "false", want: false},
	}

	for _, tt := range tests {
		opts := LaunchOptions{}
		require.NoError(t, opts.ApplyPassthrough(map[string]interface{}{"headless": tt.value}))
		assert.Equal(t, tt.want, opts.Headless, "headless=%v", tt.value)
	}
}

func TestApplyPassthroughRejectsBadTypes(t *testing.T) {
	tests := map[string]interface{}{
		"executablePath": 42,
		"userDataDir":    true,
		"headless":       1.5,
		"args":           "--no-sandbox",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			opts := LaunchOptions{}
			err := opts.ApplyPassthrough(map[string]interface{}{key: value})
			assert.Error(t, err)
		})
	}

	opts := LaunchOptions{}
	assert.Error(t, opts.ApplyPassthrough(map[string]interface{}{"args": []interface{}{1}}))
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		arg       string
		wantName  string
		wantValue interface{}
	}{
		{"--proxy-server=http://proxy:3128", "proxy-server", "http://proxy:3128"},
		{"--no-zygote", "no-zygote", true},
		{"-single-process", "single-process", true},
		{"--", "", nil},
	}

	for _, tt := range tests {
		name, value := parseArg(tt.arg)
		assert.Equal(t, tt.wantName, name, tt.arg)
		assert.Equal(t, tt.wantValue, value, tt.arg)
	}
}
