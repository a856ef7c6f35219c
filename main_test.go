package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseServiceConfigLine(t *testing.T) {
	cfg, err := parseServiceConfigLine("web east 127.0.0.1:18080 127.0.0.1:9000")
	if err != nil {
		t.Fatalf("parseServiceConfigLine returned error: %s", err)
	}
	if cfg.ServiceName != "web" || cfg.AgentGroupName != "east" ||
		cfg.ServerBindEndpoint != "127.0.0.1:18080" || cfg.AgentServiceEndpoint != "127.0.0.1:9000" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestParseServiceConfigLineWrongFieldCount(t *testing.T) {
	if _, err := parseServiceConfigLine("web east 127.0.0.1:18080"); err == nil {
		t.Fatalf("expected an error for a line with too few fields")
	}
}

func TestLoadServiceConfigFileMissingIsNotError(t *testing.T) {
	configs, err := loadServiceConfigFile(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("a missing config file should not be an error, got %s", err)
	}
	if configs != nil {
		t.Fatalf("expected nil configs for a missing file, got %+v", configs)
	}
}

func TestLoadServiceConfigFileParsesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "munnel.conf")
	contents := "web east 127.0.0.1:18080 127.0.0.1:9000\n\ndb west 127.0.0.1:15432 127.0.0.1:5432\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("could not write test config: %s", err)
	}

	configs, err := loadServiceConfigFile(path)
	if err != nil {
		t.Fatalf("loadServiceConfigFile returned error: %s", err)
	}
	if len(configs) != 2 {
		t.Fatalf("got %d configs, want 2: %+v", len(configs), configs)
	}
	if configs[0].ServiceName != "web" || configs[1].ServiceName != "db" {
		t.Fatalf("got %+v", configs)
	}
}
