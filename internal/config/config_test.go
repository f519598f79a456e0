package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxConcurrentStreams_TooLow(t *testing.T) {
	cfg := Defaults()
	cfg.General.MaxConcurrentStreams = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentStreams=0")
	}
}

func TestValidate_MaxConcurrentStreams_TooHigh(t *testing.T) {
	cfg := Defaults()
	cfg.General.MaxConcurrentStreams = 999
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentStreams=999")
	}
}

func TestValidate_MaxConcurrentStreams_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.General.MaxConcurrentStreams = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentStreams=1 should be valid: %v", err)
	}

	cfg.General.MaxConcurrentStreams = 64
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentStreams=64 should be valid: %v", err)
	}
}

func TestValidate_NoBackendURLs(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.URLs = nil
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty backend.urls")
	}
}

func TestValidate_BackendURLScheme(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.URLs = []string{"localhost:8000"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for URL without scheme")
	}
}

func TestValidate_InvalidSearchType(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.SearchType = "keyword"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid searchType")
	}
}

func TestValidate_ValidSearchTypes(t *testing.T) {
	for _, kind := range []string{"vector", "graph", "hybrid"} {
		cfg := Defaults()
		cfg.Backend.SearchType = kind
		if err := Validate(cfg); err != nil {
			t.Fatalf("searchType %q should be valid: %v", kind, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Web.Enabled = true
	cfg.Channels.Web.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Channels.Web.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_TelegramEnabledWithoutToken(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled telegram without token")
	}
}

func TestValidate_WebhookNeedsSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Webhook.Enabled = true
	cfg.Channels.Webhook.Secret = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled webhook without secret")
	}
}

func TestValidate_WebSocketPath(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.WebSocket.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("default websocket settings should validate: %v", err)
	}

	cfg.Channels.WebSocket.Path = "ws"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for websocket path without leading slash")
	}
}

func TestValidate_InvalidCacheConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.MaxHistoryPerConversation = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxHistoryPerConversation=0")
	}

	cfg = Defaults()
	cfg.Cache.RetentionDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for retentionDays=0")
	}
}

func TestValidate_ScheduledQueryRequiresTrigger(t *testing.T) {
	cfg := Defaults()
	cfg.Schedule.Tasks = []ScheduledQuery{{
		ID:      "morning",
		Query:   "what changed overnight?",
		Channel: "telegram",
		ChatID:  "42",
		Enabled: true,
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for task without interval or daily time")
	}

	cfg.Schedule.Tasks[0].Daily = "07:30"
	if err := Validate(cfg); err != nil {
		t.Fatalf("daily task should be valid: %v", err)
	}

	cfg.Schedule.Tasks[0].Daily = "25:70"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for malformed daily time")
	}
}

func TestValidate_DuplicateTaskIDs(t *testing.T) {
	cfg := Defaults()
	task := ScheduledQuery{
		ID: "dup", Query: "q", Channel: "cli", ChatID: "local",
		IntervalSeconds: 60, Enabled: true,
	}
	cfg.Schedule.Tasks = []ScheduledQuery{task, task}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate task ids")
	}
}

func TestValidate_BadRedactPattern(t *testing.T) {
	cfg := Defaults()
	cfg.Security.RedactPatterns = []string{"([unclosed"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid redact regex")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Backend.DefaultModel = "test-model"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Backend.DefaultModel != "test-model" {
		t.Fatalf("expected 'test-model', got %q", loaded.Backend.DefaultModel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	// Invalid: maxConcurrentStreams=0
	content := `{
		"general": {
			"maxConcurrentStreams": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxConcurrentStreams=0")
	}
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"backend": {"urls": ["https://rag.example.com"]}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.URLs[0] != "https://rag.example.com" {
		t.Fatalf("file value should win, got %v", cfg.Backend.URLs)
	}
	if cfg.Backend.SearchType != "hybrid" {
		t.Fatalf("unset fields keep defaults, got %q", cfg.Backend.SearchType)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "backend.searchType")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "hybrid" {
		t.Fatalf("expected 'hybrid', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "backend.searchType", "vector"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Backend.SearchType != "vector" {
		t.Fatalf("expected 'vector', got %q", cfg.Backend.SearchType)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "cache.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Cache.Enabled {
		t.Fatal("expected cache.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.maxConcurrentStreams", "8"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.General.MaxConcurrentStreams != 8 {
		t.Fatalf("expected 8, got %d", cfg.General.MaxConcurrentStreams)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.Token = "rg-1234567890abcdefghijklmnop"
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"

	sanitized := Sanitize(cfg)

	if sanitized.Backend.Token == cfg.Backend.Token {
		t.Fatal("backend token should be masked")
	}
	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	// Verify original is untouched
	if cfg.Backend.Token != "rg-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Channels.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Channels.Telegram.Token)
	}
}

func TestSanitize_MasksWebhookSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Webhook.Secret = "webhook-hmac-key-12345678"
	sanitized := Sanitize(cfg)

	if sanitized.Channels.Webhook.Secret == cfg.Channels.Webhook.Secret {
		t.Fatal("webhook secret should be masked")
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	// Check some known paths exist
	for _, expected := range []string{"general.logLevel", "backend.searchType", "cache.enabled"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["@alice", 123456789, "@bob", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "@alice" || list[2] != "@bob" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123456789" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_PureStrings(t *testing.T) {
	input := `["a", "b", "c"]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 3 || list[0] != "a" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_RAG_TOKEN", "rg-abc123")
	result := ExpandEnvVars(`{"token": "${TEST_RAG_TOKEN}"}`)
	expected := `{"token": "rg-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	// Ensure the var is unset
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_MultipleVars(t *testing.T) {
	t.Setenv("HOST", "localhost")
	t.Setenv("PORT", "3000")
	result := ExpandEnvVars(`"${HOST}:${PORT}"`)
	expected := `"localhost:3000"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_NoVarsInInput(t *testing.T) {
	input := `{"key": "value", "number": 42}`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change, got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RAGLINE_BACKEND", "http://rag.internal:8000")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"backend": {
			"urls": ["${TEST_RAGLINE_BACKEND}"]
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.URLs[0] != "http://rag.internal:8000" {
		t.Fatalf("expected substituted URL, got %q", cfg.Backend.URLs[0])
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if cfg == nil {
		t.Fatal("defaults returned nil")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if len(cfg.Backend.URLs) == 0 {
		t.Fatal("backend urls should not be empty")
	}
	if !cfg.Channels.CLI.Enabled {
		t.Fatal("CLI channel should be enabled by default")
	}
}
