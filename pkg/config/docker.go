package config

import (
	"os"
	"sync"
)

// dockerHostAlias reaches services on the Docker host from inside a container.
const dockerHostAlias = "host.docker.internal"

var (
	inDockerOnce   sync.Once
	inDockerResult bool
)

// InDocker reports whether the process runs inside a Docker container,
// detected by the /.dockerenv marker. The result is cached.
func InDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		inDockerResult = err == nil
	})
	return inDockerResult
}

// resolveLoopback rewrites a loopback host to the Docker host alias when
// running in a container; other hosts are returned unchanged.
func resolveLoopback(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return dockerHostAlias
	}
	return host
}

// applyDockerHosts points loopback PostgreSQL and Redis hosts at the Docker host.
func (c *Config) applyDockerHosts(inDocker bool) {
	c.Database.Host = resolveLoopback(c.Database.Host, inDocker)
	if c.Redis.Host != "" {
		c.Redis.Host = resolveLoopback(c.Redis.Host, inDocker)
	}
}
