package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningPolicy is the org-independent default retry and communication policy.
// Organizations without a stored dunning config fall back to this.
type DunningPolicy struct {
	RetryIntervals []time.Duration `mapstructure:"retryIntervals"`
	Steps          []DunningStep   `mapstructure:"steps"`
}

// DunningStep is one calendar-based dunning action keyed on days past due.
type DunningStep struct {
	DaysPastDue  int    `mapstructure:"daysPastDue" json:"days_past_due"`
	Action       string `mapstructure:"action" json:"action"`
	Message      string `mapstructure:"message" json:"message,omitempty"`
	RetryPayment bool   `mapstructure:"retryPayment" json:"retry_payment"`
}

const (
	DunningActionEmail       = "email"
	DunningActionSMS         = "sms"
	DunningActionGracePeriod = "grace_period"
	DunningActionCancel      = "cancel"
)

func DefaultDunningPolicy() DunningPolicy {
	return DunningPolicy{
		RetryIntervals: []time.Duration{
			time.Hour,
			6 * time.Hour,
			24 * time.Hour,
			72 * time.Hour,
		},
		Steps: []DunningStep{
			{DaysPastDue: 1, Action: DunningActionEmail, Message: "payment_failed_reminder", RetryPayment: true},
			{DaysPastDue: 7, Action: DunningActionEmail, Message: "payment_overdue", RetryPayment: true},
			{DaysPastDue: 14, Action: DunningActionGracePeriod},
			{DaysPastDue: 30, Action: DunningActionCancel},
		},
	}
}

// DunningPolicyHolder serves the current policy and hot-reloads it from disk.
type DunningPolicyHolder struct {
	current atomic.Value // holds DunningPolicy
}

func NewDunningPolicyHolder() (*DunningPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/meterline/config")
	v.AddConfigPath("/etc/meterline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultDunningPolicy()
		v.SetDefault("dunning.retryIntervals", defaults.RetryIntervals)
		v.SetDefault("dunning.steps", defaults.Steps)
	}

	var policy DunningPolicy
	if err := v.UnmarshalKey("dunning", &policy); err != nil {
		return nil, err
	}
	if err := validateDunningPolicy(policy); err != nil {
		return nil, err
	}

	holder := &DunningPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningPolicy
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningPolicy(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningPolicyHolder pins the holder to a fixed policy,
// bypassing the file watcher. Used by tests and embedded setups.
func NewStaticDunningPolicyHolder(policy DunningPolicy) (*DunningPolicyHolder, error) {
	if err := validateDunningPolicy(policy); err != nil {
		return nil, err
	}
	holder := &DunningPolicyHolder{}
	holder.current.Store(policy)
	return holder, nil
}

func (h *DunningPolicyHolder) Get() DunningPolicy {
	return h.current.Load().(DunningPolicy)
}

func validateDunningPolicy(policy DunningPolicy) error {
	if len(policy.RetryIntervals) == 0 {
		return errors.New("dunning.retryIntervals cannot be empty")
	}
	for i, interval := range policy.RetryIntervals {
		if interval <= 0 {
			return errors.New("dunning.retryIntervals must be positive")
		}
		if i > 0 && interval <= policy.RetryIntervals[i-1] {
			return errors.New("dunning.retryIntervals must be strictly increasing")
		}
	}
	if len(policy.Steps) == 0 {
		return errors.New("dunning.steps cannot be empty")
	}
	if !sort.SliceIsSorted(policy.Steps, func(i, j int) bool {
		return policy.Steps[i].DaysPastDue < policy.Steps[j].DaysPastDue
	}) {
		return errors.New("dunning.steps must be ordered by daysPastDue")
	}
	for _, step := range policy.Steps {
		switch step.Action {
		case DunningActionEmail, DunningActionSMS, DunningActionGracePeriod, DunningActionCancel:
		default:
			return errors.New("dunning.steps has unknown action " + step.Action)
		}
	}
	return nil
}
