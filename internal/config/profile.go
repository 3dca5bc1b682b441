package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/dm-responder-go/internal/activity"
	"github.com/openclaw/dm-responder-go/internal/auth"
	"github.com/openclaw/dm-responder-go/internal/bot"
	"github.com/openclaw/dm-responder-go/internal/governor"
	"github.com/openclaw/dm-responder-go/internal/threadcache"
)

// BotProfile holds the tunables of every per-account component. Durations are
// written as Go duration strings ("45s", "2h").
type BotProfile struct {
	Governor governor.Config    `yaml:"governor"`
	Activity activity.Config    `yaml:"activity"`
	Threads  threadcache.Config `yaml:"threads"`
	Auth     auth.Config        `yaml:"auth"`
	Poller   bot.PollerConfig   `yaml:"poller"`
	Runner   bot.RunnerConfig   `yaml:"runner"`
}

func DefaultProfile() BotProfile {
	return BotProfile{
		Governor: governor.DefaultConfig(),
		Activity: activity.DefaultConfig(),
		Threads:  threadcache.DefaultConfig(),
		Auth:     auth.DefaultConfig(),
		Poller:   bot.DefaultPollerConfig(),
		Runner:   bot.DefaultRunnerConfig(),
	}
}

// ParseProfile overlays YAML onto the default profile.
func ParseProfile(data []byte) (BotProfile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return BotProfile{}, fmt.Errorf("parse bot profile: %w", err)
	}
	return p, nil
}

// LoadProfile reads the profile at path. An empty path yields the defaults.
func LoadProfile(path string) (BotProfile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BotProfile{}, fmt.Errorf("read bot profile: %w", err)
	}
	return ParseProfile(data)
}
