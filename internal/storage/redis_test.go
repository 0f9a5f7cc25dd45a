package storage

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/whale-tracker/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	defer mr.Close()

	cfg := &config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 4,
	}

	client, err := NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	if err := client.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if client.Client() == nil {
		t.Error("Client() returned nil")
	}
}

func TestNewRedisClientUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	cfg := &config.RedisConfig{Host: mr.Host(), Port: mr.Port(), MaxConnections: 1}
	mr.Close()

	if _, err := NewRedisClient(cfg); err == nil {
		t.Error("NewRedisClient() expected error for closed server")
	}
}
