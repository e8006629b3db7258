// Package config supplies environment-variable overrides for the
// CLI flags cmd/venice-ingestion-server parses with go-flags,
// mirroring the teacher's usecases/config/environment.go FromEnv
// shape: a var only takes effect when actually set, and when set it
// replaces the matching flag's value, including one the operator
// passed explicitly.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Env holds the subset of cmd/venice-ingestion-server's Options that
// operators commonly override per environment rather than per
// invocation. Every field is a pointer so FromEnv can distinguish
// "not set" from "set to the zero value".
type Env struct {
	KafkaBrokers        *string
	DataDir             *string
	GossipJoin          *string
	ConsumerPoolSize    *int
	ControllerEnabled   *bool
	ControllerBindAddr  *string
	ControllerBootstrap *bool
	MetricsListenAddr   *string
}

// FromEnv reads the VENICE_* environment variables recognized by this
// node into an Env, leaving unset variables as nil fields.
func FromEnv() (Env, error) {
	var env Env

	if v, ok := os.LookupEnv("VENICE_KAFKA_BROKERS"); ok {
		env.KafkaBrokers = &v
	}
	if v, ok := os.LookupEnv("VENICE_DATA_DIR"); ok {
		env.DataDir = &v
	}
	if v, ok := os.LookupEnv("VENICE_GOSSIP_JOIN"); ok {
		env.GossipJoin = &v
	}
	if v, ok := os.LookupEnv("VENICE_CONSUMER_POOL_SIZE"); ok {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return env, errors.Wrapf(err, "parse VENICE_CONSUMER_POOL_SIZE as int")
		}
		env.ConsumerPoolSize = &asInt
	}
	if v, ok := os.LookupEnv("VENICE_CONTROLLER_ENABLED"); ok {
		b := enabled(v)
		env.ControllerEnabled = &b
	}
	if v, ok := os.LookupEnv("VENICE_CONTROLLER_BIND_ADDR"); ok {
		env.ControllerBindAddr = &v
	}
	if v, ok := os.LookupEnv("VENICE_CONTROLLER_BOOTSTRAP"); ok {
		b := enabled(v)
		env.ControllerBootstrap = &b
	}
	if v, ok := os.LookupEnv("VENICE_METRICS_LISTEN"); ok {
		env.MetricsListenAddr = &v
	}

	return env, nil
}

func enabled(value string) bool {
	switch value {
	case "on", "1", "true":
		return true
	default:
		return false
	}
}
