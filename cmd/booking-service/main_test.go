package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	t.Cleanup(func() { log.SetLevel(log.InfoLevel) })

	cases := []struct {
		level   string
		want    log.Level
		wantErr bool
	}{
		{level: "debug", want: log.DebugLevel},
		{level: "WARN", want: log.WarnLevel},
		{level: "error", want: log.ErrorLevel},
		{level: "loud", want: log.InfoLevel, wantErr: true},
	}

	for _, tc := range cases {
		err := setupLogger(tc.level)
		if (err != nil) != tc.wantErr {
			t.Fatalf("setupLogger(%q) error = %v, wantErr %v", tc.level, err, tc.wantErr)
		}
		if got := log.GetLevel(); got != tc.want {
			t.Fatalf("setupLogger(%q) level = %s, want %s", tc.level, got, tc.want)
		}
	}
}
