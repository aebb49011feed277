package mqtt

import "testing"

func TestImeiFromTopicValid(t *testing.T) {
	t.Parallel()
	imei, ok := imeiFromTopic("telemetry/490154203237518/command")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if imei != "490154203237518" {
		t.Errorf("expected imei 490154203237518, got %q", imei)
	}
}

func TestImeiFromTopicRejectsMalformed(t *testing.T) {
	t.Parallel()
	cases := []string{
		"telemetry//command",
		"foo/490154203237518/command",
		"telemetry/490154203237518/avl",
		"",
	}
	for _, tc := range cases {
		if _, ok := imeiFromTopic(tc); ok {
			t.Errorf("expected ok=false for %q", tc)
		}
	}
}
