package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validManifestJSON() string {
	return `{
		"name": "slack-notify",
		"displayName": "Slack Notifications",
		"version": "1.2.0",
		"apiVersion": "1.1",
		"description": "Posts CFP activity to Slack",
		"permissions": ["submissions:read", "email:send"],
		"hooks": ["submission.created", "submission.statusChanged"],
		"configSchema": {
			"properties": {
				"webhook": {"type": "string"},
				"token": {"type": "string", "format": "password"}
			}
		}
	}`
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if m.Name != "slack-notify" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Main != "init.lua" {
		t.Errorf("Main default = %q", m.Main)
	}
	if !m.HasHook("submission.created") {
		t.Error("HasHook(submission.created) = false")
	}
	if m.HasHook("submission.deleted") {
		t.Error("HasHook(submission.deleted) = true")
	}
	if got := m.String(); got != "Slack Notifications v1.2.0" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr error
	}{
		{
			name:    "missing name",
			json:    `{"displayName":"X","version":"1.0.0","apiVersion":"1.0"}`,
			wantErr: ErrMissingName,
		},
		{
			name:    "uppercase name",
			json:    `{"name":"SlackNotify","displayName":"X","version":"1.0.0","apiVersion":"1.0"}`,
			wantErr: ErrInvalidName,
		},
		{
			name:    "trailing hyphen",
			json:    `{"name":"slack-","displayName":"X","version":"1.0.0","apiVersion":"1.0"}`,
			wantErr: ErrInvalidName,
		},
		{
			name:    "missing display name",
			json:    `{"name":"slack-notify","version":"1.0.0","apiVersion":"1.0"}`,
			wantErr: ErrMissingDisplayName,
		},
		{
			name:    "missing version",
			json:    `{"name":"slack-notify","displayName":"X","apiVersion":"1.0"}`,
			wantErr: ErrMissingVersion,
		},
		{
			name:    "bad version",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.2","apiVersion":"1.0"}`,
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "missing api version",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0"}`,
			wantErr: ErrMissingAPIVersion,
		},
		{
			name:    "unsupported api version",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"9.0"}`,
			wantErr: ErrUnsupportedAPIVersion,
		},
		{
			name:    "non-lua main",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"1.0","main":"init.js"}`,
			wantErr: ErrInvalidMain,
		},
		{
			name:    "unknown permission",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"1.0","permissions":["submissions:delete"]}`,
			wantErr: ErrUnknownPermission,
		},
		{
			name:    "unknown hook",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"1.0","hooks":["submission.vanished"]}`,
			wantErr: ErrUnknownHook,
		},
		{
			name:    "config schema not object",
			json:    `{"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"1.0","configSchema":[1,2]}`,
			wantErr: ErrInvalidConfigSchema,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseManifest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseManifestBadConfigPropertyType(t *testing.T) {
	_, err := ParseManifest([]byte(`{
		"name":"slack-notify","displayName":"X","version":"1.0.0","apiVersion":"1.0",
		"configSchema":{"properties":{"retries":{"type":"float"}}}
	}`))
	if err == nil {
		t.Error("ParseManifest() accepted invalid property type")
	}
}

func TestParseManifestPrereleaseVersions(t *testing.T) {
	for _, v := range []string{"1.0.0-beta.1", "2.3.4+build.5", "0.1.0-rc.1+sha.abcdef"} {
		json := `{"name":"slack-notify","displayName":"X","version":"` + v + `","apiVersion":"1.0"}`
		if _, err := ParseManifest([]byte(json)); err != nil {
			t.Errorf("ParseManifest() version %q error = %v", v, err)
		}
	}
}

func TestLoadManifestFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(validManifestJSON()), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifestFromDir(dir)
	if err != nil {
		t.Fatalf("LoadManifestFromDir() error = %v", err)
	}
	if m.Path() != dir {
		t.Errorf("Path() = %q, want %q", m.Path(), dir)
	}
	if m.MainPath() != filepath.Join(dir, "init.lua") {
		t.Errorf("MainPath() = %q", m.MainPath())
	}

	if _, err := LoadManifestFromDir(t.TempDir()); err == nil {
		t.Error("LoadManifestFromDir() without manifest should fail")
	}
}

func TestManifestClone(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	clone := m.Clone()
	clone.Permissions[0] = "users:read"
	clone.Hooks[0] = "user.registered"
	if m.Permissions[0] != "submissions:read" || m.Hooks[0] != "submission.created" {
		t.Error("Clone() shares backing arrays with the original")
	}
}
