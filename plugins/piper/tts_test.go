package piper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/matryer/is"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/tts"
)

func synthServer(t *testing.T, handler func(w http.ResponseWriter, req synthesizeRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/synthesize/stream" {
			http.NotFound(w, r)
			return
		}
		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
}

func writePCM(w http.ResponseWriter, rate int, samples []int16) {
	w.Header().Set("X-Sample-Rate", strconv.Itoa(rate))
	w.Header().Set("X-Channels", "1")
	w.Header().Set("X-Sample-Width", "2")
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	w.Write(buf)
}

func collect(t *testing.T, s tts.Stream) []int16 {
	t.Helper()
	var out []int16
	for {
		block, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, block...)
	}
}

func TestSynthesizeRoundTrip(t *testing.T) {
	is := is.New(t)

	want := []int16{100, -200, 300, -400, 500}
	srv := synthServer(t, func(w http.ResponseWriter, req synthesizeRequest) {
		if req.Text != "Hello." {
			t.Errorf("text = %q", req.Text)
		}
		if req.Voice != "amy" {
			t.Errorf("voice = %q", req.Voice)
		}
		writePCM(w, 22050, want)
	})
	defer srv.Close()

	client := New(srv.URL)
	s, err := client.Synthesize(context.Background(), tts.SynthesizeRequest{
		Text: "Hello.", Voice: "amy",
	})
	is.NoErr(err)
	defer s.Close()

	is.Equal(s.Format(), tts.Format{SampleRate: 22050, Channels: 1, SampleWidth: 2})
	is.Equal(collect(t, s), want)
}

func TestMissingFormatHeadersIsFatal(t *testing.T) {
	is := is.New(t)

	srv := synthServer(t, func(w http.ResponseWriter, req synthesizeRequest) {
		w.Write([]byte{0, 0})
	})
	defer srv.Close()

	client := New(srv.URL)
	_, err := client.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "x"})
	is.True(err != nil)
	is.True(!ai.IsRecoverable(err))
}

func TestErrorStatusClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		recoverable bool
	}{
		{"bad request is fatal", http.StatusBadRequest, false},
		{"overload is recoverable", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			srv := synthServer(t, func(w http.ResponseWriter, req synthesizeRequest) {
				http.Error(w, "nope", tt.status)
			})
			defer srv.Close()

			client := New(srv.URL)
			_, err := client.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "x"})
			is.True(err != nil)
			is.Equal(ai.IsRecoverable(err), tt.recoverable)
		})
	}
}

func TestHealthy(t *testing.T) {
	is := is.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := New(srv.URL)
	is.NoErr(client.Healthy(context.Background()))

	down := New("http://127.0.0.1:1")
	is.True(down.Healthy(context.Background()) != nil)
}
