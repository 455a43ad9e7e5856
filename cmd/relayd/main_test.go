package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "check"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestDefaultConfigPathFallsBackWhenEnvUnset(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")
	if got := defaultConfigPath(); got != "relay.yaml" {
		t.Fatalf("expected default relay.yaml, got %q", got)
	}
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "/etc/relay/custom.yaml")
	if got := defaultConfigPath(); got != "/etc/relay/custom.yaml" {
		t.Fatalf("expected env override, got %q", got)
	}
}
