package config

import (
	"flag"
	"fmt"
	log "github.com/junbin-yang/gocoap/pkg/utils/logger"
	"gopkg.in/yaml.v2"
	"io/ioutil"
	"os"
	"path/filepath"
)

var (
	APPNAME    string = "dsoftbus"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

type Config struct {
	DeviceType string
	DeviceName string
	UUID       string
	Interface  string
	Logger     struct {
		Dir    string
		Level  string
		Rotate bool
	}
	Engine EngineConfig
}

// EngineConfig carries the CoAP engine's tunable capacities and timing
// constants as runtime-configurable values, loaded from the same YAML file.
type EngineConfig struct {
	PDUBufSize          int     `yaml:"pdu_buf_size"`
	TokenLen            int     `yaml:"token_len"`
	REQWaitingMax       int     `yaml:"req_waiting_max"`
	ObsClientsMax       int     `yaml:"obs_clients_max"`
	ObsRegistrationsMax int     `yaml:"obs_registrations_max"`
	ResendBufsMax       int     `yaml:"resend_bufs_max"`
	AckTimeoutMs        int     `yaml:"ack_timeout_ms"`
	MaxRetransmit       int     `yaml:"max_retransmit"`
	RandomFactor        float64 `yaml:"random_factor"`
	NonTimeoutMs        int     `yaml:"non_timeout_ms"`
	RecvTimeoutMs       int     `yaml:"recv_timeout_ms"`
	ObsTickExponent     uint    `yaml:"obs_tick_exponent"`
	WaitForResponse     bool    `yaml:"wait_for_response"`
}

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
		flag.PrintDefaults()
	}
	flag.Parse()
}

func Parse() *Config {
	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}

	conf := new(Config)
	data, err := ioutil.ReadFile(cfile)
	if err != nil {
		panic(err)
	}
	yaml.Unmarshal(data, &conf)

	defer log.Sync()
	if conf.Logger.Rotate {
		if len(conf.Logger.Dir) == 0 {
			conf.Logger.Dir = filepath.Dir(ex)
		}
		out := log.NewProductionRotateByTime(conf.Logger.Dir + "/" + APPNAME + ".log")
		logger := log.New(out, log.InfoLevel)
		log.ReplaceDefault(logger)
	}
	switch conf.Logger.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	return conf
}
