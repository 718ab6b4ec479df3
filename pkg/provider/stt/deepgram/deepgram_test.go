package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/aicc/pkg/provider/stt"
	"github.com/MrWong99/aicc/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.Request{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "ko", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

func TestBuildURL_RequestOverrides(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithModel("nova-2"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.Request{
		Language:   "ko-KR",
		SampleRate: 8000,
		Phrases: []types.KeywordBoost{
			{Keyword: "해지", Boost: 5},
			{Keyword: "요금제", Boost: 3.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "ko-KR", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
	kws := strings.Join(q["keywords"], ",")
	assertEqual(t, "keywords", "해지:5,요금제:3.5", kws)
}

// ---- JSON parsing tests ----

func TestParseResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   result
	}{
		{
			name:   "final",
			raw:    `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" 네 알겠습니다 ","confidence":0.95}]}}`,
			wantOK: true,
			want:   result{Text: "네 알겠습니다", Confidence: 0.95, IsFinal: true},
		},
		{
			name:   "partial",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"네","confidence":0.7}]}}`,
			wantOK: true,
			want:   result{Text: "네", Confidence: 0.7},
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("result = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ---- Transcribe against a fake server ----

// fakeDeepgram accepts one stream, counts audio bytes until CloseStream,
// then replies with the given messages and closes normally.
func fakeDeepgram(t *testing.T, replies []string, gotAudio chan<- int, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		n := 0
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				break
			}
			n += len(msg)
		}
		gotAudio <- n
		for _, m := range replies {
			if err := conn.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_CollectsFinals(t *testing.T) {
	t.Parallel()
	gotAudio := make(chan int, 1)
	gotAuth := make(chan string, 1)
	srv := fakeDeepgram(t, []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"요금","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"요금제 변경하고","confidence":0.9}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"싶습니다","confidence":0.7}]}}`,
	}, gotAudio, gotAuth)

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	audio := make([]byte, 7000)
	res, err := p.Transcribe(context.Background(), stt.Request{Audio: audio})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "요금제 변경하고 싶습니다" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence < 0.79 || res.Confidence > 0.81 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}
	if n := <-gotAudio; n != len(audio) {
		t.Errorf("server received %d audio bytes, want %d", n, len(audio))
	}
	assertEqual(t, "auth", "Token secret", <-gotAuth)
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithEndpoint("ws://127.0.0.1:1"))
	if _, err := p.Transcribe(context.Background(), stt.Request{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("error = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{0, 0}})
	if err == nil || !strings.Contains(err.Error(), "deepgram: dial") {
		t.Errorf("error = %v, want dial error", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
