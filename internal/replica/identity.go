// Package replica derives a stable, unique name for this process instance.
package replica

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	once sync.Once
	name string
)

// Name returns the replica name, stable for the process lifetime.
// Derivation order: the env var named by nameEnv, the host name, then a
// host+start-nanos+random composite that is unique with high probability.
func Name(nameEnv string) string {
	once.Do(func() { name = derive(nameEnv) })
	return name
}

func derive(nameEnv string) string {
	if nameEnv != "" {
		if v := strings.TrimSpace(os.Getenv(nameEnv)); v != "" {
			return v
		}
	}
	host, err := os.Hostname()
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return fmt.Sprintf("%s-%d-%s", host, time.Now().UnixNano(), uuid.New().String()[:8])
}
