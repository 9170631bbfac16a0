package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
listenAddr: ":8080"
maxMessageSize: 65536
sessionPersistence: true
defaultRateLimit: 50
peerMessaging:
  - "*"
topics:
  game:
    publish:
      - "*"
    subscribe:
      - alice
      - bob
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadParsesDocument(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if doc.DefaultRateLimit != 50 {
		t.Errorf("DefaultRateLimit = %v, want 50", doc.DefaultRateLimit)
	}
	if !doc.SessionPersistence {
		t.Error("expected SessionPersistence = true")
	}
	if len(doc.Topics["game"].Subscribe) != 2 {
		t.Errorf("game.subscribe = %v, want 2 entries", doc.Topics["game"].Subscribe)
	}
}

func TestRulesTopicAuthorization(t *testing.T) {
	doc, err := Load(writeTemp(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	rules := NewRules(doc)

	if !rules.CanSubscribeToTopic("alice", "game") {
		t.Error("alice should be able to subscribe to game")
	}
	if rules.CanSubscribeToTopic("carol", "game") {
		t.Error("carol should not be able to subscribe to game")
	}
	if !rules.CanPublishToTopic("anyone", "game") {
		t.Error("wildcard publish rule should allow anyone")
	}
	if rules.CanSubscribeToTopic("alice", "unknown-topic") {
		t.Error("unknown topic should deny by default")
	}
	if !rules.CanMessagePeer("alice", "bob") {
		t.Error("wildcard peerMessaging rule should allow direct messaging")
	}
	if rules.GetRateLimit("alice") != 50 {
		t.Errorf("GetRateLimit = %v, want 50", rules.GetRateLimit("alice"))
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Close()

	if w.Rules().CanSubscribeToTopic("carol", "game") {
		t.Fatal("carol should initially be denied")
	}

	newYAML := `
listenAddr: ":8080"
maxMessageSize: 65536
sessionPersistence: true
defaultRateLimit: 50
peerMessaging:
  - "*"
topics:
  game:
    publish:
      - "*"
    subscribe:
      - carol
`
	if err := os.WriteFile(path, []byte(newYAML), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Rules().CanSubscribeToTopic("carol", "game") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never picked up the config change")
}
