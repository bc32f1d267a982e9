package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClock_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   Clock
		want string
	}{
		{0, "00:00:00"},
		{600, "00:10:00"},
		{3661, "01:01:01"},
		{ClockOf(100*time.Hour + 5*time.Second), "100:00:05"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("Clock(%d).String() = %q, want %q", int64(tt.in), got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("00:10:00")
	if err != nil {
		t.Fatalf("ParseClock: %v", err)
	}
	if c != 600 {
		t.Errorf("got %d, want 600", c)
	}
	if c, err := ParseClock("596523:14:07"); err != nil || c != MaxClock {
		t.Errorf("ParseClock(max) = %d, %v", c, err)
	}
	for _, bad := range []string{
		"", "10:00", "00:61:00", "aa:bb:cc",
		"01:02:03abc", "01:02:3 ", "-1:00:00", "+1:00:00", "1::00",
		"999999:00:00", "596523:14:08",
	} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q): expected error", bad)
		}
	}
	var c2 Clock
	if err := json.Unmarshal([]byte(`4294967296`), &c2); err == nil {
		t.Errorf("unmarshal of 2^32 seconds = %d, want error", c2)
	}
}

func TestDate_JSON(t *testing.T) {
	t.Parallel()
	d, err := ParseDate("1990-04-12")
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	b, _ := json.Marshal(struct {
		D Date  `json:"d"`
		Z Date  `json:"z"`
		P *Date `json:"p"`
	}{D: d})
	if got, want := string(b), `{"d":"1990-04-12","z":null,"p":null}`; got != want {
		t.Errorf("marshal = %s, want %s", got, want)
	}

	var out struct {
		D Date `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"d":"2001-02-03"}`), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.D.String() != "2001-02-03" {
		t.Errorf("unmarshal = %s", out.D)
	}
	if err := json.Unmarshal([]byte(`{"d":"03/02/2001"}`), &out); err == nil {
		t.Error("expected error for wrong layout")
	}
}

func TestPipelineRun_MarkDoneKeepsOrder(t *testing.T) {
	t.Parallel()
	var r PipelineRun
	r.MarkDone(StageRewrite)
	r.MarkDone(StageTranscribe)
	r.MarkDone(StageRewrite)
	if len(r.Completed) != 2 || r.Completed[0] != StageTranscribe || r.Completed[1] != StageRewrite {
		t.Errorf("Completed = %v", r.Completed)
	}
	if !r.Done(StageTranscribe) || r.Done(StageSentiment) {
		t.Errorf("Done mismatch: %v", r.Completed)
	}
}
