package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pelagos-network/pelagos/src/crypto/keys"
	"github.com/pelagos-network/pelagos/src/net"
	"github.com/pelagos-network/pelagos/src/node"
	"github.com/pelagos-network/pelagos/src/peers"
	"github.com/pelagos-network/pelagos/src/store"
)

//NewRunCmd returns the command that starts a Pelagos node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runPelagos,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runPelagos(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	addLogFileHooks(logger.Logger, _config.DataDir)

	simpleKeyfile := keys.NewSimpleKeyfile(_config.Keyfile())

	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		return fmt.Errorf("reading key from %s: %v", _config.Keyfile(), err)
	}

	peerStore := peers.NewJSONPeerSet(_config.DataDir)

	peerSet, err := peerStore.PeerSet()
	if err != nil {
		return fmt.Errorf("reading peers from %s: %v", _config.DataDir, err)
	}

	if peerSet.Len() < 2 {
		return fmt.Errorf("peers.json should define at least two peers")
	}

	resolver := func(pubKeyHex string) (string, error) {
		peer, ok := peerSet.ByPubKey[pubKeyHex]
		if !ok {
			return "", fmt.Errorf("unknown peer %s", pubKeyHex)
		}
		return peer.NetAddr, nil
	}

	trans, err := net.NewTCPTransport(
		_config.BindAddr,
		_config.AdvertiseAddr,
		_config.MaxPool,
		_config.TCPTimeout,
		resolver,
		logger)
	if err != nil {
		return err
	}

	var drbStore store.Store
	if _config.Store {
		drbStore, err = store.NewBadgerStore(_config.DatabaseDir)
		if err != nil {
			return fmt.Errorf("opening database in %s: %v", _config.DatabaseDir, err)
		}
	} else {
		drbStore = store.NewInmemStore()
	}

	pelagosNode := node.NewNode(_config, key, peerSet, trans, drbStore, logger)

	if err := pelagosNode.Init(); err != nil {
		return fmt.Errorf("initializing node: %v", err)
	}

	// Serve catchup requests until interrupted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.WithField("signal", sig).Debug("Shutting down")

	pelagosNode.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for pelagos node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for pelagos node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")

	// Epochs
	cmd.Flags().Uint64("epoch-height", _config.EpochHeight, "Number of blocks per epoch")
	cmd.Flags().Uint64("first-epoch", _config.FirstEpoch, "Genesis epoch to bootstrap from")
	cmd.Flags().Duration("request-timeout", _config.RequestTimeout, "Deadline of one catchup request campaign")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":        _config.DataDir,
		"BindAddr":       _config.BindAddr,
		"AdvertiseAddr":  _config.AdvertiseAddr,
		"MaxPool":        _config.MaxPool,
		"TCPTimeout":     _config.TCPTimeout,
		"EpochHeight":    _config.EpochHeight,
		"FirstEpoch":     _config.FirstEpoch,
		"RequestTimeout": _config.RequestTimeout,
		"Store":          _config.Store,
		"DatabaseDir":    _config.DatabaseDir,
		"LogLevel":       _config.LogLevel,
		"Moniker":        _config.Moniker,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/pelagos.toml (.json, .yaml also work)
	viper.SetConfigName("pelagos")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// addLogFileHooks copies info and debug output to log files in the data
// directory, keeping stderr output intact.
func addLogFileHooks(logger *logrus.Logger, dataDir string) {
	pathMap := lfshook.PathMap{}

	infoLog := filepath.Join(dataDir, "pelagos_info.log")
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Infof("Failed to open %s, using default stderr", infoLog)
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := filepath.Join(dataDir, "pelagos_debug.log")
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Infof("Failed to open %s, using default stderr", debugLog)
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
