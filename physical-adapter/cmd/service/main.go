package main

import (
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/service"
	"github.com/plgd-dev/coap-twin-adapter/pkg/config"
	"github.com/plgd-dev/coap-twin-adapter/pkg/fsnotify"
	"github.com/plgd-dev/coap-twin-adapter/pkg/log"
	pkgService "github.com/plgd-dev/coap-twin-adapter/pkg/service"
)

func main() {
	cfg := service.MakeDefaultConfig()
	path, err := config.LoadAndValidateConfig(&cfg)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	log.Setup(cfg.Log)
	logger := log.Get()
	logger.Infof("config: %v", cfg.String())

	fileWatcher, err := fsnotify.NewWatcher(logger)
	if err != nil {
		log.Fatalf("cannot create file watcher: %v", err)
	}
	defer func() {
		_ = fileWatcher.Close()
	}()

	adapter, err := service.New(cfg, fileWatcher, path, logger)
	if err != nil {
		log.Fatalf("cannot create service: %v", err)
	}
	s := pkgService.New(adapter)
	if err = s.Serve(); err != nil {
		log.Errorf("unexpected ends: %v", err)
	}
}
