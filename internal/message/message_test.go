package message

import (
	"encoding/json"
	"reflect"
	"testing"

	"pushworker/internal/bootcfg"
)

func TestMessageKeepsExtraFields(t *testing.T) {
	t.Parallel()
	in := []byte(`{"title":"Hi","message":"Body","clickUrl":"/x","meta": {"id": 7, "tags": ["a", "b"]},"n":1.5}`)

	var m Message
	if err := json.Unmarshal(in, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.Title != "Hi" || m.Body != "Body" || m.ClickURL != "/x" {
		t.Fatalf("known fields = %+v", m)
	}
	if got := string(m.Extra["meta"]); got != `{"id":7,"tags":["a","b"]}` {
		t.Fatalf("meta = %s", got)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal back: %v", err)
	}
	if !reflect.DeepEqual(m, back) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, m)
	}
}

func TestMessageConfigurationKeyAliases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		in        string
		body      string
		sound     string
		extraKeys []string
	}{
		{name: "primary keys", in: `{"body":"b","soundUrl":"s.mp3"}`, body: "b", sound: "s.mp3"},
		{name: "aliases", in: `{"message":"b","sound":"s.mp3"}`, body: "b", sound: "s.mp3"},
		{name: "primary wins", in: `{"message":"old","body":"new","sound":"a.mp3","soundUrl":"b.mp3"}`, body: "new", sound: "b.mp3", extraKeys: []string{"message", "sound"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.in), &m); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if m.Body != tt.body || m.SoundURL != tt.sound {
				t.Fatalf("body=%q sound=%q, want %q/%q", m.Body, m.SoundURL, tt.body, tt.sound)
			}
			if len(m.Extra) != len(tt.extraKeys) {
				t.Fatalf("extra = %v, want keys %v", m.Extra, tt.extraKeys)
			}
			for _, k := range tt.extraKeys {
				if _, ok := m.Extra[k]; !ok {
					t.Fatalf("extra missing %q: %v", k, m.Extra)
				}
			}

			out, err := json.Marshal(m)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var written map[string]json.RawMessage
			if err := json.Unmarshal(out, &written); err != nil {
				t.Fatalf("Unmarshal written: %v", err)
			}
			if string(written["body"]) != `"`+tt.body+`"` || string(written["soundUrl"]) != `"`+tt.sound+`"` {
				t.Fatalf("written = %s", out)
			}
			var back Message
			if err := json.Unmarshal(out, &back); err != nil {
				t.Fatalf("Unmarshal back: %v", err)
			}
			if !reflect.DeepEqual(m, back) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, m)
			}
		})
	}
}

func TestMessageRejectsNonStringKnownField(t *testing.T) {
	t.Parallel()
	var m Message
	if err := json.Unmarshal([]byte(`{"title":5}`), &m); err == nil {
		t.Fatal("expected error for numeric title")
	}
	if err := json.Unmarshal([]byte(`"text"`), &m); err == nil {
		t.Fatal("expected error for non-object message")
	}
}

func TestMessageNullIsEmpty(t *testing.T) {
	t.Parallel()
	m := Message{Title: "stale"}
	if err := json.Unmarshal([]byte(`null`), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(m, Message{}) {
		t.Fatalf("m = %+v, want empty", m)
	}
}

func TestWithDefaultsFallsBackToConfig(t *testing.T) {
	t.Parallel()
	cfg := bootcfg.Config{
		Title:    "Default title",
		Message:  "Default body",
		Tag:      "default-tag",
		IconURL:  "https://example.com/icon.png",
		ClickURL: "https://example.com/inbox",
		BaseURL:  "https://example.com/app/",
		Scope:    "https://example.com/",
	}

	got := Message{Body: "Own body", ClickURL: "thread/1"}.WithDefaults(cfg)
	want := Message{
		Title:    "Default title",
		Body:     "Own body",
		Tag:      "default-tag",
		IconURL:  "https://example.com/icon.png",
		ClickURL: "https://example.com/app/thread/1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("WithDefaults = %+v, want %+v", got, want)
	}
}

func TestDisplayTagFallbackOrder(t *testing.T) {
	t.Parallel()
	cfg := bootcfg.Config{Tag: "cfg", Scope: "scope"}
	if got := (Message{Tag: "own"}).DisplayTag(cfg); got != "own" {
		t.Fatalf("tag = %q, want own", got)
	}
	if got := (Message{}).DisplayTag(cfg); got != "cfg" {
		t.Fatalf("tag = %q, want cfg", got)
	}
	cfg.Tag = ""
	if got := (Message{}).DisplayTag(cfg); got != "scope" {
		t.Fatalf("tag = %q, want scope", got)
	}
}
