package config

// Default values applied before any configuration file is read.
const (
	defaultStagingDir = "~/.local/share/kiln/staging"
	defaultLogDir     = "~/.local/share/kiln/logs"
	defaultAPIBind    = "127.0.0.1:7171"

	defaultStoreRequestTimeout = 30
	defaultStoreMaxRetries     = 2

	defaultCacheDir    = "~/.cache/kiln/presets"
	defaultCacheMaxMiB = 512

	defaultDisplayMaxSessions    = 2
	defaultDisplayBaseNumber     = 90
	defaultDisplayAcquireTimeout = 120
	defaultScreenGeometry        = "1280x1024x24"

	defaultSlicerBinary     = "prusa-slicer"
	defaultXvfbBinary       = "xvfb-run"
	defaultDBusBinary       = "dbus-run-session"
	defaultSlicerTimeout    = 900
	defaultIntermediateExt  = ".sl1"
	defaultPackerBinary     = "uvtools"
	defaultPackerTimeout    = 300

	defaultMaxActiveJobs       = 2
	defaultQueuePollInterval   = 2
	defaultRetentionHours      = 72
	defaultMaintenanceInterval = 900
)

func defaultFormats() []string {
	return []string{"ctb", "cbddlp", "photon", "pwmx"}
}

// Default returns a configuration populated with built-in defaults. Path
// fields are left unexpanded; Load normalizes them.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		PresetStore: PresetStore{
			RequestTimeout: defaultStoreRequestTimeout,
			MaxRetries:     defaultStoreMaxRetries,
		},
		PresetCache: PresetCache{
			Dir:    defaultCacheDir,
			MaxMiB: defaultCacheMaxMiB,
		},
		Display: Display{
			MaxSessions:    defaultDisplayMaxSessions,
			BaseNumber:     defaultDisplayBaseNumber,
			AcquireTimeout: defaultDisplayAcquireTimeout,
			ScreenGeometry: defaultScreenGeometry,
		},
		Slicer: Slicer{
			Binary:          defaultSlicerBinary,
			XvfbBinary:      defaultXvfbBinary,
			DBusBinary:      defaultDBusBinary,
			WrapDBus:        true,
			Timeout:         defaultSlicerTimeout,
			IntermediateExt: defaultIntermediateExt,
		},
		Packer: Packer{
			Binary:  defaultPackerBinary,
			Timeout: defaultPackerTimeout,
			Formats: defaultFormats(),
		},
		Pipeline: Pipeline{
			MaxActiveJobs:       defaultMaxActiveJobs,
			QueuePollInterval:   defaultQueuePollInterval,
			RetentionHours:      defaultRetentionHours,
			MaintenanceInterval: defaultMaintenanceInterval,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
