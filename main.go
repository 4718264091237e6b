package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dircd/dircd/bridge"
)

func main() {
	config := flag.String("config", "", "Config file to read configuration stuff from")
	debugMode := flag.Bool("debug", false, "Debug mode? (false = use value from settings)")

	flag.Parse()

	if *config == "" {
		log.Fatalln("--config argument is required!")
		return
	}

	viper := viper.New()
	ext := filepath.Ext(*config)
	configName := strings.TrimSuffix(filepath.Base(*config), ext)
	configType := ext[1:]
	configPath := filepath.Dir(*config)
	viper.SetConfigName(configName)
	viper.SetConfigType(configType)
	viper.AddConfigPath(configPath)

	log.WithFields(log.Fields{
		"ConfigName": configName,
		"ConfigType": configType,
		"ConfigPath": configPath,
	}).Infoln("Loading configuration...")

	err := viper.ReadInConfig()
	if err != nil {
		log.Fatalln(errors.Wrap(err, "could not read config"))
	}

	discordToken := viper.GetString("discord_token") // Discord Bot User Token
	//
	viper.SetDefault("bind_address", "127.0.0.1")
	bindAddress := viper.GetString("bind_address") // Loopback address the IRC servers listen on
	//
	viper.SetDefault("base_port", 6699)
	basePort := viper.GetInt("base_port") // DM server port; guild servers count up from base_port+1
	//
	excludedGuilds := compileGlobs(viper.GetStringSlice("excluded_guilds"))     // Guilds (by id or name pattern) not to bridge
	excludedChannels := compileGlobs(viper.GetStringSlice("excluded_channels")) // Channels (by id or name pattern) not to bridge
	smileyMapping := viper.GetStringMapString("smiley_mapping")                 // Custom emoji replacements, ':name:' to text
	//
	if !*debugMode {
		*debugMode = viper.GetBool("debug")
	}

	if discordToken == "" {
		log.Fatalln("discord_token is missing!")
	}

	SetLogDebug(*debugMode)

	dib, err := bridge.New(&bridge.Config{
		DiscordToken:     discordToken,
		BindAddress:      bindAddress,
		BasePort:         basePort,
		ExcludedGuilds:   excludedGuilds,
		ExcludedChannels: excludedChannels,
		SmileyMapping:    smileyMapping,
		Debug:            *debugMode,
	})
	if err != nil {
		log.WithField("error", err).Fatalln("dircd failed to initialise.")
		return
	}

	// Create new signal receiver
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	// Open the bridge
	if err := dib.Open(); err != nil {
		log.WithField("error", err).Fatalln("dircd failed to start.")
		return
	}

	// Inform the user that things are happening!
	log.Infoln("dircd is now running. Press Ctrl-C to exit.")

	// Start watching for live changes...
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Println("Configuration file has changed!")

		if debug := viper.GetBool("debug"); *debugMode != debug {
			log.Printf("Debug changed from %+v to %+v", *debugMode, debug)
			*debugMode = debug
			dib.SetDebugMode(debug)
			SetLogDebug(debug)
		}

		dib.SetSmileyMapping(viper.GetStringMapString("smiley_mapping"))
		dib.SetExclusions(
			compileGlobs(viper.GetStringSlice("excluded_guilds")),
			compileGlobs(viper.GetStringSlice("excluded_channels")),
		)
	})

	// Watch for a shutdown signal
	<-sc

	log.Infoln("Shutting down dircd...")

	// Cleanly close down the bridge.
	dib.Close()
}

func compileGlobs(patterns []string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			log.WithField("pattern", p).Warnln("ignoring invalid exclusion pattern")
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

func SetLogDebug(debug bool) {
	logger := log.StandardLogger()
	if debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}
