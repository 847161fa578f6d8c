package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognised option of the drone-marker controller.
type Config struct {
	// Serial configures the flight-controller link.
	Serial SerialConfig `yaml:"serial"`
	// Marker configures the confirmation state machine.
	Marker MarkerConfig `yaml:"marker"`
	// Servo configures the GPIO actuator.
	Servo ServoConfig `yaml:"servo"`
	// Camera configures the frame source.
	Camera CameraConfig `yaml:"camera"`
	// Hub configures the frame fan-out.
	Hub HubConfig `yaml:"hub"`
	// HTTP configures the status and streaming server.
	HTTP HTTPConfig `yaml:"http"`
	// GRPC configures the control plane.
	GRPC GRPCConfig `yaml:"grpc"`
	// Upload configures the optional remote upload sink.
	Upload UploadConfig `yaml:"upload"`
	// MQTT configures the optional event emitter.
	MQTT MQTTConfig `yaml:"mqtt"`
	// Log configures console logging and the run log.
	Log LogConfig `yaml:"log"`
	// Headless disables the console abort reader.
	Headless bool `yaml:"headless"`
	// SingleInstance refuses to start when another controller process is running.
	SingleInstance bool `yaml:"single_instance"`
	// ShutdownTimeout bounds the orderly shutdown of servers and devices.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SerialConfig describes the MAVLink serial link.
type SerialConfig struct {
	Port             string        `yaml:"port"`
	BaudRate         int           `yaml:"baud_rate"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	RequireAck       bool          `yaml:"require_ack"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	TargetSystem     uint8         `yaml:"target_system"`
	TargetComponent  uint8         `yaml:"target_component"`
}

// MarkerConfig describes what counts as a confirmed marker.
type MarkerConfig struct {
	// TargetText is compared against the trimmed decoded payload.
	TargetText string `yaml:"target_text"`
	// Threshold is the number of consecutive matching observations required.
	Threshold int `yaml:"threshold"`
}

// ServoConfig describes the PWM servo. Duty values are percentages.
type ServoConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Pin         string        `yaml:"pin"`
	FrequencyHz int           `yaml:"frequency_hz"`
	NeutralDuty float64       `yaml:"neutral_duty"`
	TriggerDuty float64       `yaml:"trigger_duty"`
	TriggerHold time.Duration `yaml:"trigger_hold"`
	NeutralHold time.Duration `yaml:"neutral_hold"`
}

// CameraConfig describes the capture device.
type CameraConfig struct {
	// Device is a device path or a numeric camera id.
	Device      string        `yaml:"device"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         int           `yaml:"fps"`
	InputFormat string        `yaml:"input_format"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	FFmpegPath  string        `yaml:"ffmpeg_path"`
}

// HubConfig describes the fan-out hub.
type HubConfig struct {
	// Buffer is the number of frames kept per consumer.
	Buffer int `yaml:"buffer"`
}

// HTTPConfig describes the status and streaming server.
type HTTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StreamFPS int    `yaml:"stream_fps"`
}

// GRPCConfig describes the control plane. Empty Address disables it.
type GRPCConfig struct {
	Address string `yaml:"address"`
}

// UploadConfig describes the remote upload sink.
type UploadConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	SkipFrames  int           `yaml:"skip_frames"`
	JPEGQuality int           `yaml:"jpeg_quality"`
}

// MQTTConfig describes the event emitter. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Encoding string `yaml:"encoding"`
}

// LogConfig describes logging.
type LogConfig struct {
	Level         string        `yaml:"level"`
	RunLog        string        `yaml:"run_log"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

const (
	// DefaultConfigFilename is the default filename for controller settings.
	DefaultConfigFilename = "drone-marker.yaml"

	// DefaultRunLogFilename is the default append-only run log.
	DefaultRunLogFilename = "drone-marker-run.log"

	// DefaultTimeout is the default duration for network calls made by the CLI.
	DefaultTimeout = 5 * time.Second

	// DefaultFilePermissions is the default file permission for config and log files.
	DefaultFilePermissions = 0o600

	// DefaultTargetText is the marker payload looked for when none is configured.
	DefaultTargetText = "SCANNED"

	// DefaultThreshold is the number of consecutive frames required to confirm.
	DefaultThreshold = 8
)

// Encodings accepted by the MQTT emitter.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errSerialPortRequired is returned when the flight-controller port is missing.
	errSerialPortRequired = errors.New("serial port must be provided")
	// errTargetTextRequired is returned when the marker text is blank.
	errTargetTextRequired = errors.New("marker target text must be provided")
	// errUploadURLRequired is returned when upload is enabled without a URL.
	errUploadURLRequired = errors.New("upload url must be provided when upload is enabled")
	// errCameraDeviceRequired is returned when the camera device is blank.
	errCameraDeviceRequired = errors.New("camera device must be provided")
)

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	cfg := &Config{
		Serial: SerialConfig{
			Port:       "/dev/ttyACM0",
			RequireAck: true,
		},
		Marker: MarkerConfig{
			TargetText: DefaultTargetText,
		},
		Servo: ServoConfig{
			Enabled: true,
		},
		Camera: CameraConfig{
			Device:      "/dev/video0",
			InputFormat: "mjpeg",
		},
		GRPC: GRPCConfig{
			Address: "127.0.0.1:50051",
		},
		Upload: UploadConfig{
			URL: "http://192.168.1.28:5000",
		},
		Headless:       true,
		SingleInstance: true,
	}

	// Validate only fills zero values here, it cannot fail on defaults.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path and validates it.
// Keys missing from the file keep their documented defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	return cfg, err
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate fills defaults for zero values and rejects invalid settings.
//
//nolint:cyclop,funlen // A flat list of field checks reads better than helpers.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := validateSerial(&cfg.Serial); err != nil {
		return err
	}

	cfg.Marker.TargetText = strings.TrimSpace(cfg.Marker.TargetText)
	if cfg.Marker.TargetText == "" {
		return errTargetTextRequired
	}

	switch {
	case cfg.Marker.Threshold == 0:
		cfg.Marker.Threshold = DefaultThreshold
	case cfg.Marker.Threshold < 0:
		return fmt.Errorf("marker threshold must be positive, got %d", cfg.Marker.Threshold)
	}

	if err := validateServo(&cfg.Servo); err != nil {
		return err
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}

	if cfg.Hub.Buffer <= 0 {
		cfg.Hub.Buffer = 1
	}

	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 5000
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", cfg.HTTP.Port)
	}

	if cfg.HTTP.StreamFPS <= 0 {
		cfg.HTTP.StreamFPS = 30
	}

	if cfg.GRPC.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.GRPC.Address); err != nil {
			return fmt.Errorf("invalid grpc address: %w", err)
		}
	}

	if err := validateUpload(&cfg.Upload); err != nil {
		return err
	}

	if err := validateMQTT(&cfg.MQTT); err != nil {
		return err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Log.RunLog == "" {
		cfg.Log.RunLog = DefaultRunLogFilename
	}

	if cfg.Log.StatsInterval <= 0 {
		cfg.Log.StatsInterval = 5 * time.Second
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return nil
}

// HTTPAddress returns the host:port the status server binds to.
func (c *Config) HTTPAddress() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// DevicePath resolves a numeric camera id such as "0" to /dev/video0.
func (c *CameraConfig) DevicePath() string {
	if id, err := strconv.Atoi(c.Device); err == nil && id >= 0 {
		return fmt.Sprintf("/dev/video%d", id)
	}

	return c.Device
}

func validateSerial(s *SerialConfig) error {
	if s.Port == "" {
		return errSerialPortRequired
	}

	if s.BaudRate <= 0 {
		s.BaudRate = 57600
	}

	if s.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat timeout must not be negative, got %s", s.HeartbeatTimeout)
	}

	if s.AckTimeout <= 0 {
		s.AckTimeout = time.Second
	}

	if s.Retries < 0 {
		return fmt.Errorf("serial retries must not be negative, got %d", s.Retries)
	}

	if s.Retries == 0 {
		s.Retries = 3
	}

	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 250 * time.Millisecond
	}

	return nil
}

func validateServo(s *ServoConfig) error {
	if s.Pin == "" {
		s.Pin = "GPIO18"
	}

	if s.FrequencyHz <= 0 {
		s.FrequencyHz = 50
	}

	if s.NeutralDuty == 0 {
		s.NeutralDuty = 2.5
	}

	if s.TriggerDuty == 0 {
		s.TriggerDuty = 7.5
	}

	for _, duty := range []float64{s.NeutralDuty, s.TriggerDuty} {
		if duty < 0 || duty > 100 {
			return fmt.Errorf("servo duty must be within 0..100 percent, got %v", duty)
		}
	}

	if s.TriggerHold <= 0 {
		s.TriggerHold = 1200 * time.Millisecond
	}

	if s.NeutralHold <= 0 {
		s.NeutralHold = 800 * time.Millisecond
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if strings.TrimSpace(c.Device) == "" {
		return errCameraDeviceRequired
	}

	if c.Width <= 0 {
		c.Width = 1280
	}

	if c.Height <= 0 {
		c.Height = 720
	}

	if c.FPS <= 0 {
		c.FPS = 30
	}

	switch c.InputFormat {
	case "", "mjpeg", "yuyv422":
	default:
		return fmt.Errorf("unsupported camera input format %q", c.InputFormat)
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}

	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}

	return nil
}

func validateUpload(u *UploadConfig) error {
	if u.Timeout <= 0 {
		u.Timeout = 2 * time.Second
	}

	if u.SkipFrames < 0 {
		return fmt.Errorf("upload skip_frames must not be negative, got %d", u.SkipFrames)
	}

	if u.JPEGQuality < 0 || u.JPEGQuality > 100 {
		return fmt.Errorf("upload jpeg_quality must be within 0..100, got %d", u.JPEGQuality)
	}

	if !u.Enabled {
		return nil
	}

	if u.URL == "" {
		return errUploadURLRequired
	}

	if _, err := url.ParseRequestURI(u.URL); err != nil {
		return fmt.Errorf("invalid upload url: %w", err)
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.Topic == "" {
		m.Topic = "drone-marker/events"
	}

	switch m.Encoding {
	case "":
		m.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("unsupported mqtt encoding %q", m.Encoding)
	}

	if m.Broker == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.Broker); err != nil {
		return fmt.Errorf("invalid mqtt broker address: %w", err)
	}

	return nil
}
