package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tokens holds the wire command tokens. The client and server are driven by
// the same configuration, so the dispatcher matches whatever tokens are
// configured instead of hardcoded names.
type Tokens struct {
	Register       string `json:"register"`
	Login          string `json:"login"`
	Logout         string `json:"logout"`
	Ping           string `json:"ping"`
	Quit           string `json:"quit"`
	UploadPrivate  string `json:"upload_private"`
	UploadShared   string `json:"upload_shared"`
	DownloadPublic string `json:"download_public"`
	ListShared     string `json:"list_shared"`
	DownloadShared string `json:"download_shared"`
	MakePublic     string `json:"make_public"`
	MakeShared     string `json:"make_shared"`
	AdminList      string `json:"admin_list"`
	AdminDownload  string `json:"admin_download"`
}

func DefaultTokens() Tokens {
	return Tokens{
		Register:       "REGISTER",
		Login:          "LOGIN",
		Logout:         "LOGOUT",
		Ping:           "PING",
		Quit:           "QUIT",
		UploadPrivate:  "UPLOAD_PRIVATE",
		UploadShared:   "UPLOAD_SHARED",
		DownloadPublic: "DOWNLOAD_PUBLIC",
		ListShared:     "LIST_SHARED",
		DownloadShared: "DOWNLOAD_SHARED",
		MakePublic:     "MAKE_PUBLIC",
		MakeShared:     "MAKE_SHARED",
		AdminList:      "ADMIN_LIST",
		AdminDownload:  "ADMIN_DOWNLOAD",
	}
}

// All returns every token in a stable order.
func (t Tokens) All() []string {
	return []string{
		t.Register, t.Login, t.Logout, t.Ping, t.Quit,
		t.UploadPrivate, t.UploadShared, t.DownloadPublic,
		t.ListShared, t.DownloadShared, t.MakePublic, t.MakeShared,
		t.AdminList, t.AdminDownload,
	}
}

type Config struct {
	Bind        string `json:"bind"`
	Port        int    `json:"port"`
	LogLevel    string `json:"log_level"`
	DataDir     string `json:"data_dir"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	PrivateRoot string `json:"private_root"`
	SharedRoot  string `json:"shared_root"`
	PublicRoot  string `json:"public_root"`
	DownloadDir string `json:"download_dir"`
	ChunkSize   int    `json:"chunk_size"`
	IdleTimeout string `json:"idle_timeout"`
	Tokens      Tokens `json:"tokens"`
}

func DefaultPaths() (configPath, dataDir string, err error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("resolve user config dir: %w", err)
	}
	var dataRoot string
	if p, derr := os.UserHomeDir(); derr == nil {
		dataRoot = filepath.Join(p, ".local", "share")
	} else {
		dataRoot = cfgRoot
	}
	configPath = filepath.Join(cfgRoot, "fileferry", "config.json")
	dataDir = filepath.Join(dataRoot, "fileferry")
	return configPath, dataDir, nil
}

func Default(dataDir string) Config {
	return Config{
		Bind:        "0.0.0.0",
		Port:        5000,
		LogLevel:    "info",
		DataDir:     dataDir,
		CertFile:    "",
		KeyFile:     "",
		PrivateRoot: filepath.Join(dataDir, "uploads"),
		SharedRoot:  filepath.Join(dataDir, "shared_uploads"),
		PublicRoot:  filepath.Join(dataDir, "public_files"),
		DownloadDir: filepath.Join(dataDir, "downloads"),
		ChunkSize:   64 * 1024,
		IdleTimeout: "5m",
		Tokens:      DefaultTokens(),
	}
}

func LoadOrDefault(configPath, dataDirOverride string) (Config, error) {
	_, defaultData, err := DefaultPaths()
	if err != nil {
		return Config{}, err
	}
	if dataDirOverride != "" {
		defaultData = dataDirOverride
	}
	cfg := Default(defaultData)

	b, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if dataDirOverride != "" {
		cfg.DataDir = dataDirOverride
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(configPath string, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(configPath, buf, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func Validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.ChunkSize < 4096 || cfg.ChunkSize > 1<<20 {
		return fmt.Errorf("chunk size %d out of range [4096, 1048576]", cfg.ChunkSize)
	}
	if _, err := cfg.IdleTimeoutDuration(); err != nil {
		return err
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return fmt.Errorf("cert and key must be configured together")
	}
	for _, root := range []string{cfg.PrivateRoot, cfg.SharedRoot, cfg.PublicRoot} {
		if strings.TrimSpace(root) == "" {
			return fmt.Errorf("directory roots must not be empty")
		}
	}
	seen := make(map[string]struct{})
	for _, tok := range cfg.Tokens.All() {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return fmt.Errorf("command tokens must not be empty")
		}
		if _, ok := seen[tok]; ok {
			return fmt.Errorf("duplicate command token %q", tok)
		}
		seen[tok] = struct{}{}
	}
	return nil
}

func (c Config) IdleTimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(c.IdleTimeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle timeout %q: %w", c.IdleTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("idle timeout must not be negative")
	}
	return d, nil
}

func ConfigPathFromEnv() (string, error) {
	if p := strings.TrimSpace(os.Getenv("FILEFERRY_CONFIG")); p != "" {
		return p, nil
	}
	cfgPath, _, err := DefaultPaths()
	return cfgPath, err
}
