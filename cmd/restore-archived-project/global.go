package main

import (
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GlobalOptions is the full run configuration. Every flag falls back to an
// environment variable so the binary works both interactively and as a
// platform task.
type GlobalOptions struct {
	ProjectDir     string
	FilesURL       string
	AnnotationsURL string
	ProjectType    string
	DownloadMode   bool

	Server string
	Token  string
	TeamID int
	TaskID int

	TeamFilesDir string
	LogLevel     string
}

var globalOptions = GlobalOptions{
	Server:   os.Getenv("SERVER_ADDRESS"),
	Token:    os.Getenv("API_TOKEN"),
	TeamID:   envInt("TEAM_ID", 0),
	TaskID:   envInt("TASK_ID", 0),
	LogLevel: envString("LOG_LEVEL", "info"),
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

// AddFlags attaches the options to the command's flag set.
func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.ProjectDir, "project-dir", envString("PROJECT_DIR", ""), "local directory the project is restored into")
	f.StringVar(&opts.FilesURL, "files-url", envString("FILES_URL", ""), "shared link to the backup files archive")
	f.StringVar(&opts.AnnotationsURL, "annotations-url", envString("ANNOTATIONS_URL", ""), "shared link to the backup annotations archive (empty for old-format backups)")
	f.StringVar(&opts.ProjectType, "project-type", envString("PROJECT_TYPE", "images"), "project type (images, videos, volumes, point_clouds, point_cloud_episodes)")
	f.BoolVar(&opts.DownloadMode, "download", envBool("DOWNLOAD_MODE"), "pack the restored project into a team-files archive instead of importing it")
	f.StringVar(&opts.Server, "server", opts.Server, "server address (default: $SERVER_ADDRESS)")
	f.StringVar(&opts.Token, "token", opts.Token, "API token (default: $API_TOKEN)")
	f.IntVar(&opts.TeamID, "team-id", opts.TeamID, "team the restored project belongs to (default: $TEAM_ID)")
	f.IntVar(&opts.TaskID, "task-id", opts.TaskID, "task the run reports its output to (default: $TASK_ID)")
	f.StringVar(&opts.TeamFilesDir, "team-files-dir", envString("TEAM_FILES_DIR", ""), "team-files directory download-mode archives are uploaded to")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error, none)")
}

// newLogger builds the process logger for the configured level. The level
// "none" disables logging entirely.
func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
