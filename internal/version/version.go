// Package version хранит сведения о сборке. Значения задаются через -ldflags
// "-X .../internal/version.version=1.2.0", иначе берутся из debug.BuildInfo.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

const unknown = "unknown"

var (
	version = "dev"
	commit  = unknown
	date    = unknown
)

var fillOnce sync.Once

// fromBuildInfo дополняет незаданные через ldflags поля VCS-метаданными go build.
func fromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == unknown && setting.Value != "" {
				commit = setting.Value
			}
		case "vcs.time":
			if date == unknown && setting.Value != "" {
				date = setting.Value
			}
		}
	}
}

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) {
	fillOnce.Do(fromBuildInfo)
	return version, commit, date
}

// Short возвращает версию с коротким хэшем коммита, например "1.2.0+abc1234".
func Short() string {
	v, c, _ := Info()
	if c == "" || c == unknown {
		return v
	}
	if len(c) > 7 {
		c = c[:7]
	}
	return v + "+" + c
}

// Fields возвращает сведения о сборке для структурных логов.
func Fields() map[string]any {
	v, c, d := Info()
	return map[string]any{"version": v, "commit": c, "build_date": d}
}

func String() string {
	v, c, d := Info()
	return fmt.Sprintf("version=%s commit=%s date=%s", v, c, d)
}
