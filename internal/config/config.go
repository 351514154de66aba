// Package config loads the shared yaml configuration of the cmd tools.
package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	StorePath     string `yaml:"storePath"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	Requester     string `yaml:"requester"`
}

func GetConfig(path string) Config {
	// Read YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	// Unmarshal YAML data into the Config struct
	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		log.Fatalf("error: %v", err)
	}

	if config.StorePath == "" {
		config.StorePath = "./data"
	}

	if config.MinimumFreeGB == 0 {
		config.MinimumFreeGB = 1
	}

	if config.Requester == "" {
		config.Requester = "client.local"
	}

	fmt.Printf("Store path: %s\n", config.StorePath)
	fmt.Printf("Minimum free GB: %d\n", config.MinimumFreeGB)

	return config
}
