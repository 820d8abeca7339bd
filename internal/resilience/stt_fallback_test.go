package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
	sttmock "github.com/MrWong99/streamcaption/pkg/provider/stt/mock"
)

var monoCfg = stt.StreamConfig{SampleRate: 16000, Channels: 1}

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	handle, err := fb.StartStream(context.Background(), monoCfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
	if fb.Active() != "deepgram" {
		t.Errorf("Active = %q, want deepgram", fb.Active())
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("dial refused")}
	secondary := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", secondary)

	handle, err := fb.StartStream(context.Background(), monoCfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer handle.Close()

	if secondary.CallCount() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.CallCount())
	}
	if got := secondary.StartStreamCalls[0].Cfg; got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("secondary cfg = %+v, want %+v", got, monoCfg)
	}
	if fb.Active() != "whisper" {
		t.Errorf("Active = %q, want whisper", fb.Active())
	}
	if b := fb.Backends(); len(b) != 2 {
		t.Errorf("Backends = %v", b)
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{StartStreamErr: errors.New("down")}, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", &sttmock.Provider{StartStreamErr: errors.New("down")})

	if _, err := fb.StartStream(context.Background(), monoCfg); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
