package main

import (
	"os"
	"strings"

	"github.com/gravwell/gcfg"

	"github.com/opsdaemon/svcd/svclog"
)

// bootstrapGlobal is the one in-scope piece of ambient configuration the
// spec's job-description Non-goal doesn't reach: where to log, at what
// level, and what environment defaults to seed the firstborn job's
// config with before the administrative CLI ever connects.
type bootstrapGlobal struct {
	Log_File  string
	Log_Level string
}

type bootstrapEnv struct {
	// Var holds KEY=VALUE pairs under an [Env] section, folded into the
	// firstborn job's environment the same way manager/config.go's
	// CheckServiceDisable folds DISABLE_* process env vars in.
	Var []string
}

type bootstrapCfg struct {
	Global bootstrapGlobal
	Env    bootstrapEnv
}

// readBootstrapConfig parses an optional gcfg ini file at path. A missing
// file is not an error — bootstrap configuration is a convenience, never
// a requirement (§1 Non-goals still excludes job-description parsing).
func readBootstrapConfig(path string) (bootstrapCfg, error) {
	var c bootstrapCfg
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := gcfg.ReadStringInto(&c, string(data)); err != nil {
		return c, err
	}
	return c, nil
}

// firstbornEnv turns the [Env] section into the map job.Config.Env
// expects.
func (c bootstrapCfg) firstbornEnv() map[string]string {
	if len(c.Env.Var) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Env.Var))
	for _, kv := range c.Env.Var {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// logger builds the supervisor's logger from the bootstrap file's Global
// section, falling back to a discard logger when none is configured —
// mirrors manager/config.go's cfgType.GetLogger.
func (c bootstrapCfg) logger() (*svclog.Logger, error) {
	if c.Global.Log_File == "" {
		return svclog.NewDiscard(), nil
	}
	lvl, err := svclog.LevelFromString(c.Global.Log_Level)
	if err != nil {
		return nil, err
	}
	if lvl == svclog.OFF {
		return svclog.NewDiscard(), nil
	}
	lg, err := svclog.NewFile(c.Global.Log_File)
	if err != nil {
		return nil, err
	}
	if err := lg.SetLevel(lvl); err != nil {
		return nil, err
	}
	return lg, nil
}
