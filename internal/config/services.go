package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceOverride replaces parts of one built-in service descriptor. Empty
// fields keep the built-in value. Order and dependencies cannot be changed.
type ServiceOverride struct {
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Probe          string            `yaml:"probe,omitempty"`   // host:port for a TCP probe
	Process        string            `yaml:"process,omitempty"` // process-table pattern
	Image          string            `yaml:"image,omitempty"`
	Ports          []string          `yaml:"ports,omitempty"`
	Log            string            `yaml:"log,omitempty"`
	Disabled       *bool             `yaml:"disabled,omitempty"`
	VerifyAttempts int               `yaml:"verify_attempts,omitempty"`
}

// ServiceOverrides maps service name to override.
type ServiceOverrides map[string]ServiceOverride

type servicesFile struct {
	Services ServiceOverrides `yaml:"services"`
}

// LoadServices reads a YAML services file of the form
//
//	services:
//	  inference:
//	    image: ollama/ollama:latest
//	    ports: ["127.0.0.1:11434:11434"]
func LoadServices(path string) (ServiceOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	var f servicesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse services file %s: %w", path, err)
	}
	for name, o := range f.Services {
		if o.VerifyAttempts < 0 {
			return nil, fmt.Errorf("services file %s: %s.verify_attempts must be >= 0", path, name)
		}
		if o.Probe != "" && o.Process != "" {
			return nil, fmt.Errorf("services file %s: %s sets both probe and process", path, name)
		}
	}
	return f.Services, nil
}
