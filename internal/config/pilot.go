// Package config loads the pilot configuration: a JSON file whose fields are
// all optional, with GetX accessors supplying the defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/autopilot/internal/hardware"
	"github.com/banshee-data/autopilot/internal/model"
	"github.com/banshee-data/autopilot/internal/modelsync"
	"github.com/banshee-data/autopilot/internal/serialmux"
)

// DefaultConfigPath is where the pilot looks for its configuration.
const DefaultConfigPath = "pilot.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Model store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// PilotConfig is the root configuration. Durations are strings like "250ms".
type PilotConfig struct {
	// Loop
	TimeDelay        *string `json:"time_delay,omitempty"`
	RunFullAuto      *bool   `json:"run_full_auto,omitempty"`
	UseCamera        *bool   `json:"use_camera,omitempty"`
	RunNN            *bool   `json:"run_nn,omitempty"`
	StallTimeout     *string `json:"stall_timeout,omitempty"`
	StallManeuver    *string `json:"stall_maneuver,omitempty"`
	StallEndsSession *bool   `json:"stall_ends_session,omitempty"`

	// Model
	UseRegressor        *bool    `json:"use_regressor,omitempty"`
	NNSolver            *string  `json:"nn_solver,omitempty"`
	HiddenLayers        []int    `json:"hidden_layers,omitempty"`
	LearningRate        *float64 `json:"learning_rate,omitempty"`
	Alpha               *float64 `json:"alpha,omitempty"`
	MaxIter             *int     `json:"max_iter,omitempty"`
	Tol                 *float64 `json:"tol,omitempty"`
	NNAlwaysRetrain     *bool    `json:"nn_always_retrain,omitempty"`
	SaveNewTrainingData *bool    `json:"save_new_training_data,omitempty"`
	ModelStore          *string  `json:"model_store,omitempty"` // "file" or "sqlite"
	ModelDB             *string  `json:"model_db,omitempty"`

	// Sync
	SyncTimeLimit  *string `json:"sync_time_limit,omitempty"`
	SyncTrainModel *bool   `json:"sync_train_model,omitempty"`
	SyncCommand    *string `json:"sync_command,omitempty"`
	SyncTarget     *string `json:"sync_target,omitempty"`
	SyncPath       *string `json:"sync_path,omitempty"`
	SyncSSHUser    *string `json:"sync_ssh_user,omitempty"`
	SyncSSHKey     *string `json:"sync_ssh_key,omitempty"`

	// System
	Debug         *bool   `json:"debug,omitempty"` // no sensors or motors
	StatusDir     *string `json:"status_dir,omitempty"`
	Listen        *string `json:"listen,omitempty"` // admin HTTP address, empty disables
	SerialPort    *string `json:"serial_port,omitempty"`
	BaudRate      *int    `json:"baud_rate,omitempty"`
	DataBits      *int    `json:"data_bits,omitempty"`
	StopBits      *int    `json:"stop_bits,omitempty"`
	Parity        *string `json:"parity,omitempty"`
	SensorTimeout *string `json:"sensor_timeout,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultPilotConfig returns a config with every field set to its default.
func DefaultPilotConfig() *PilotConfig {
	return (&PilotConfig{}).Effective()
}

// Effective returns a copy of c with every field set, defaults filled in
// for the ones c leaves unset.
func (c *PilotConfig) Effective() *PilotConfig {
	port, err := c.PortOptions().Normalize()
	if err != nil {
		port = c.PortOptions()
	}
	return &PilotConfig{
		TimeDelay:           ptrString(c.GetTimeDelay().String()),
		RunFullAuto:         ptrBool(c.GetRunFullAuto()),
		UseCamera:           ptrBool(c.GetUseCamera()),
		RunNN:               ptrBool(c.GetRunNN()),
		StallTimeout:        ptrString(c.GetStallTimeout().String()),
		StallManeuver:       ptrString(c.GetStallManeuver().String()),
		StallEndsSession:    ptrBool(c.GetStallEndsSession()),
		UseRegressor:        ptrBool(c.GetUseRegressor()),
		NNSolver:            ptrString(c.GetNNSolver()),
		HiddenLayers:        c.GetHiddenLayers(),
		LearningRate:        ptrFloat64(c.GetLearningRate()),
		Alpha:               ptrFloat64(c.GetAlpha()),
		MaxIter:             ptrInt(c.GetMaxIter()),
		Tol:                 ptrFloat64(c.GetTol()),
		NNAlwaysRetrain:     ptrBool(c.GetNNAlwaysRetrain()),
		SaveNewTrainingData: ptrBool(c.GetSaveNewTrainingData()),
		ModelStore:          ptrString(c.GetModelStore()),
		ModelDB:             ptrString(c.GetModelDB()),
		SyncTimeLimit:       ptrString(c.GetSyncTimeLimit().String()),
		SyncTrainModel:      ptrBool(c.GetSyncTrainModel()),
		SyncCommand:         ptrString(c.GetSyncCommand()),
		SyncTarget:          ptrString(c.GetSyncTarget()),
		SyncPath:            ptrString(c.GetSyncPath()),
		SyncSSHUser:         ptrString(c.GetSyncSSHUser()),
		SyncSSHKey:          ptrString(c.GetSyncSSHKey()),
		Debug:               ptrBool(c.GetDebug()),
		StatusDir:           ptrString(c.GetStatusDir()),
		Listen:              ptrString(c.GetListen()),
		SerialPort:          ptrString(c.GetSerialPort()),
		BaudRate:            ptrInt(port.BaudRate),
		DataBits:            ptrInt(port.DataBits),
		StopBits:            ptrInt(port.StopBits),
		Parity:              ptrString(port.Parity),
		SensorTimeout:       ptrString(c.GetSensorTimeout().String()),
	}
}

// LoadPilotConfig loads a PilotConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Omitted fields
// fall back to their defaults, so partial configs are safe.
func LoadPilotConfig(path string) (*PilotConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PilotConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// WriteDefaultConfig writes DefaultPilotConfig to path unless the file
// already exists. It reports whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}
	data, err := DefaultPilotConfig().JSON()
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}

// JSON renders the config as indented JSON.
func (c *PilotConfig) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks that the configuration values are valid.
func (c *PilotConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"time_delay", c.TimeDelay},
		{"stall_timeout", c.StallTimeout},
		{"stall_maneuver", c.StallManeuver},
		{"sync_time_limit", c.SyncTimeLimit},
		{"sensor_timeout", c.SensorTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, v)
		}
	}

	if c.NNSolver != nil {
		if _, err := model.ParseSolver(*c.NNSolver); err != nil {
			return fmt.Errorf("nn_solver: %w", err)
		}
	}
	for _, h := range c.HiddenLayers {
		if h <= 0 {
			return fmt.Errorf("hidden_layers sizes must be positive, got %v", c.HiddenLayers)
		}
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", *c.LearningRate)
	}
	if c.Alpha != nil && *c.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative, got %g", *c.Alpha)
	}
	if c.MaxIter != nil && *c.MaxIter <= 0 {
		return fmt.Errorf("max_iter must be positive, got %d", *c.MaxIter)
	}
	if c.Tol != nil && *c.Tol < 0 {
		return fmt.Errorf("tol must be non-negative, got %g", *c.Tol)
	}
	if s := c.GetModelStore(); s != StoreFile && s != StoreSQLite {
		return fmt.Errorf("model_store must be %q or %q, got %q", StoreFile, StoreSQLite, s)
	}
	if _, err := c.PortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial options: %w", err)
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// GetTimeDelay returns the pause between control cycles.
func (c *PilotConfig) GetTimeDelay() time.Duration {
	return duration(c.TimeDelay, 250*time.Millisecond)
}

func (c *PilotConfig) GetRunFullAuto() bool { return boolOr(c.RunFullAuto, false) }
func (c *PilotConfig) GetUseCamera() bool   { return boolOr(c.UseCamera, false) }
func (c *PilotConfig) GetRunNN() bool       { return boolOr(c.RunNN, true) }

// GetStallTimeout returns how long predicted power may stay zero in full
// auto before the stall maneuver runs.
func (c *PilotConfig) GetStallTimeout() time.Duration {
	return duration(c.StallTimeout, 500*time.Millisecond)
}

// GetStallManeuver returns how long the forward nudge lasts.
func (c *PilotConfig) GetStallManeuver() time.Duration {
	return duration(c.StallManeuver, 500*time.Millisecond)
}

func (c *PilotConfig) GetStallEndsSession() bool { return boolOr(c.StallEndsSession, false) }
func (c *PilotConfig) GetUseRegressor() bool     { return boolOr(c.UseRegressor, false) }

func (c *PilotConfig) GetNNSolver() string {
	return stringOr(c.NNSolver, string(model.SolverLBFGS))
}

// GetHiddenLayers returns the hidden layer sizes. An explicit empty list
// trains a network without hidden layers.
func (c *PilotConfig) GetHiddenLayers() []int {
	if c.HiddenLayers == nil {
		return []int{10}
	}
	return append([]int{}, c.HiddenLayers...)
}

func (c *PilotConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return 0.001
	}
	return *c.LearningRate
}

func (c *PilotConfig) GetAlpha() float64 {
	if c.Alpha == nil {
		return 1e-5
	}
	return *c.Alpha
}

func (c *PilotConfig) GetMaxIter() int {
	if c.MaxIter == nil {
		return 200
	}
	return *c.MaxIter
}

func (c *PilotConfig) GetTol() float64 {
	if c.Tol == nil {
		return 1e-4
	}
	return *c.Tol
}

func (c *PilotConfig) GetNNAlwaysRetrain() bool     { return boolOr(c.NNAlwaysRetrain, false) }
func (c *PilotConfig) GetSaveNewTrainingData() bool { return boolOr(c.SaveNewTrainingData, false) }
func (c *PilotConfig) GetModelStore() string        { return stringOr(c.ModelStore, StoreFile) }
func (c *PilotConfig) GetModelDB() string           { return stringOr(c.ModelDB, "models.db") }

// GetSyncTimeLimit returns the interval between in-loop model resyncs.
func (c *PilotConfig) GetSyncTimeLimit() time.Duration {
	return duration(c.SyncTimeLimit, 20*time.Second)
}

func (c *PilotConfig) GetSyncTrainModel() bool { return boolOr(c.SyncTrainModel, false) }
func (c *PilotConfig) GetSyncCommand() string  { return stringOr(c.SyncCommand, "./syncTFile.sh") }
func (c *PilotConfig) GetSyncTarget() string   { return stringOr(c.SyncTarget, "") }
func (c *PilotConfig) GetSyncPath() string     { return stringOr(c.SyncPath, "") }
func (c *PilotConfig) GetSyncSSHUser() string  { return stringOr(c.SyncSSHUser, "") }
func (c *PilotConfig) GetSyncSSHKey() string   { return stringOr(c.SyncSSHKey, "") }
func (c *PilotConfig) GetDebug() bool          { return boolOr(c.Debug, false) }
func (c *PilotConfig) GetStatusDir() string    { return stringOr(c.StatusDir, ".") }
func (c *PilotConfig) GetListen() string       { return stringOr(c.Listen, "") }
func (c *PilotConfig) GetSerialPort() string   { return stringOr(c.SerialPort, "/dev/ttyACM0") }

// GetSensorTimeout bounds the wait for one sensor record.
func (c *PilotConfig) GetSensorTimeout() time.Duration {
	return duration(c.SensorTimeout, hardware.DefaultSensorTimeout)
}

// GetModelMode returns the model flavour selected by use_regressor.
func (c *PilotConfig) GetModelMode() model.Mode {
	if c.GetUseRegressor() {
		return model.ModeRegressor
	}
	return model.ModeClassifier
}

// TrainOptions converts the model fields into trainer options.
func (c *PilotConfig) TrainOptions() (model.Options, error) {
	solver, err := model.ParseSolver(c.GetNNSolver())
	if err != nil {
		return model.Options{}, err
	}
	return model.Options{
		Mode:          c.GetModelMode(),
		Hidden:        c.GetHiddenLayers(),
		Solver:        solver,
		LearningRate:  c.GetLearningRate(),
		Alpha:         c.GetAlpha(),
		MaxIter:       c.GetMaxIter(),
		Tol:           c.GetTol(),
		AlwaysRetrain: c.GetNNAlwaysRetrain(),
	}, nil
}

// PortOptions returns the serial options. Unset values are left zero for
// serialmux to default.
func (c *PilotConfig) PortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// SyncConfig returns the external model sync settings.
func (c *PilotConfig) SyncConfig() modelsync.Config {
	return modelsync.Config{
		Command: c.GetSyncCommand(),
		Target:  c.GetSyncTarget(),
		Path:    c.GetSyncPath(),
		SSHUser: c.GetSyncSSHUser(),
		SSHKey:  c.GetSyncSSHKey(),
	}
}
