package receiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultHostsFile        = "hostname.txt"
	DefaultRemotePort       = "8124"
	DefaultPath             = "/routeData"
	DefaultHandshakeTimeout = 10
)

type RawConfig struct {
	// HostsFile lists the servers to choose from, one per line
	HostsFile string
	// RemoteHost skips the interactive server choice when set
	RemoteHost string
	RemotePort string
	Path       string

	CAFile   string
	CertFile string
	KeyFile  string
	// ServerName overrides the name the server certificate is verified against
	ServerName string

	// OutputDir is where the pipe_<id> directories are created
	OutputDir string
	// QueueDepth is the number of chunks that may wait for each pipe. Defaults to 256
	QueueDepth int
	// Overflow is either drop-oldest or block
	Overflow string
	// WriteRate limits persistence to this many bytes per second. 0 is unlimited
	WriteRate int64

	LedgerPath string // jsonOptional
	StatusAddr string // jsonOptional

	// HandshakeTimeout is in seconds. Defaults to 10
	HandshakeTimeout int
}

type Config struct {
	HostsFile  string
	RemoteHost string
	RemotePort string
	Path       string

	Credentials common.Credentials
	ServerName  string

	OutputDir  string
	QueueDepth int
	Overflow   demux.OverflowPolicy
	WriteRate  int64

	LedgerPath string
	StatusAddr string

	HandshakeTimeout time.Duration
}

// semi-colon separated value, for passing the whole config on the command line
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	unquoted := []string{"QueueDepth", "WriteRate", "HandshakeTimeout"}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		// JSON doesn't like quotation marks around numbers
		if elem(key, unquoted) {
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		} else {
			ret = append(ret, []byte(`"`+key+`":"`+value+`",`)...)
		}
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1] // remove the last comma
	}
	ret = append(ret, '}')
	return ret
}

// ParseConfig accepts either a path to a json file or options separated with semicolons
func ParseConfig(conf string) (raw *RawConfig, err error) {
	var content []byte
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		content = ssvToJson(conf)
	} else {
		content, err = os.ReadFile(conf)
		if err != nil {
			return
		}
	}

	raw = new(RawConfig)
	err = json.Unmarshal(content, &raw)
	if err != nil {
		return
	}
	return
}

func (raw *RawConfig) ProcessRawConfig() (config Config, err error) {
	config.HostsFile = raw.HostsFile
	if config.HostsFile == "" {
		config.HostsFile = DefaultHostsFile
	}
	config.RemoteHost = raw.RemoteHost

	config.RemotePort = raw.RemotePort
	if config.RemotePort == "" {
		config.RemotePort = DefaultRemotePort
	}
	port, err := strconv.Atoi(config.RemotePort)
	if err != nil || port <= 0 || port > 65535 {
		err = fmt.Errorf("RemotePort %v is not a valid port", config.RemotePort)
		return
	}

	config.Path = raw.Path
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if !strings.HasPrefix(config.Path, "/") {
		err = fmt.Errorf("Path %v must start with /", config.Path)
		return
	}

	config.Credentials = common.DefaultCredentials("")
	if raw.CAFile != "" {
		config.Credentials.CAFile = raw.CAFile
	}
	if raw.CertFile != "" {
		config.Credentials.CertFile = raw.CertFile
	}
	if raw.KeyFile != "" {
		config.Credentials.KeyFile = raw.KeyFile
	}
	config.ServerName = raw.ServerName

	config.OutputDir = raw.OutputDir
	if config.OutputDir == "" {
		config.OutputDir = "."
	}

	switch {
	case raw.QueueDepth < 0:
		err = errors.New("QueueDepth cannot be negative")
		return
	case raw.QueueDepth == 0:
		config.QueueDepth = demux.DefaultQueueDepth
	default:
		config.QueueDepth = raw.QueueDepth
	}

	config.Overflow, err = demux.ParseOverflowPolicy(raw.Overflow)
	if err != nil {
		return
	}

	if raw.WriteRate < 0 {
		err = errors.New("WriteRate cannot be negative")
		return
	}
	config.WriteRate = raw.WriteRate

	config.LedgerPath = raw.LedgerPath
	config.StatusAddr = raw.StatusAddr

	switch {
	case raw.HandshakeTimeout < 0:
		err = errors.New("HandshakeTimeout cannot be negative")
		return
	case raw.HandshakeTimeout == 0:
		config.HandshakeTimeout = DefaultHandshakeTimeout * time.Second
	default:
		config.HandshakeTimeout = time.Duration(raw.HandshakeTimeout) * time.Second
	}
	return
}
