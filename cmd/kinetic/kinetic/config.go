package kinetic

import (
	"io/ioutil"
	"net"
	"strconv"

	"github.com/openziti/kinetic"
	"github.com/openziti/kinetic/cf"
	"github.com/openziti/kinetic/endpoint"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the processed config file. The top-level pool, selector, socket and channel sections refine the
// corresponding parts of the endpoint section.
//
type Config struct {
	Endpoint   *endpoint.Config
	Instrument kinetic.Instrument
}

func LoadConfig() (*Config, error) {
	data := make(map[string]interface{})
	if configPath != "" {
		raw, err := ioutil.ReadFile(configPath)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read config file [%s]", configPath)
		}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "unable to unmarshal config data [%s]", configPath)
		}
	}

	cfg := &Config{Endpoint: endpoint.NewDefaultConfig()}
	if v, found := section(data, "endpoint"); found {
		if err := cfg.Endpoint.Load(v); err != nil {
			return nil, errors.Wrapf(err, "unable to load endpoint config [%s]", configPath)
		}
	}
	if v, found := section(data, "pool"); found {
		if err := cf.Load(v, cfg.Endpoint.Pool); err != nil {
			return nil, errors.Wrapf(err, "unable to load pool config [%s]", configPath)
		}
	}
	if v, found := section(data, "selector"); found {
		if err := cfg.Endpoint.Selector.Load(v); err != nil {
			return nil, errors.Wrapf(err, "unable to load selector config [%s]", configPath)
		}
	}
	if v, found := section(data, "socket"); found {
		if err := cfg.Endpoint.Socket.Load(v); err != nil {
			return nil, errors.Wrapf(err, "unable to load socket config [%s]", configPath)
		}
	}
	if v, found := section(data, "channel"); found {
		if err := cfg.Endpoint.Socket.Channel.Load(v); err != nil {
			return nil, errors.Wrapf(err, "unable to load channel config [%s]", configPath)
		}
	}

	name := "nil"
	var icfg map[string]interface{}
	if v, found := section(data, "instrument"); found {
		if n, ok := v["name"].(string); ok {
			name = n
		}
		icfg = make(map[string]interface{})
		for k, iv := range v {
			if k != "name" {
				icfg[k] = iv
			}
		}
	}
	if instrumentName != "" {
		name = instrumentName
	}
	i, err := kinetic.NewInstrument(name, icfg)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create instrument [%s]", name)
	}
	cfg.Instrument = i

	if configDump {
		logrus.Infof(cf.Dump("endpoint", cfg.Endpoint))
		logrus.Infof(cf.Dump("pool", cfg.Endpoint.Pool))
		logrus.Infof(cf.Dump("selector", cfg.Endpoint.Selector))
		logrus.Infof(cf.Dump("socket", cfg.Endpoint.Socket))
		logrus.Infof(cf.Dump("channel", cfg.Endpoint.Socket.Channel))
	}
	return cfg, nil
}

// SplitAddress splits "host:port" for the native socket layer.
//
func SplitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid address [%s]", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port in [%s]", address)
	}
	return host, port, nil
}

func section(data map[string]interface{}, name string) (map[string]interface{}, bool) {
	v, found := data[name]
	if !found {
		return nil, false
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m, true
	}
	return nil, false
}
