// Package hwconfig holds the hardware layout of a training run and derives
// the mpirun prefix and environment it needs.
package hwconfig

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hlml/albert-squad/internal/multinode"
	"github.com/hlml/albert-squad/internal/util"
	"github.com/kballard/go-shellquote"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

var SupportedHLSTypes = []string{"HLS1", "HLS1-H", "HLS2"}

var SupportedCPUBindTypes = []string{"cpu", "none"}

const (
	// HostfileEnv is set by the MPI operator inside an MPIJob launcher pod.
	HostfileEnv = "OMPI_MCA_orte_default_hostfile"

	// HCLConfigEnv points the communication library at its rank layout.
	HCLConfigEnv = "HCL_CONFIG_PATH"

	hclPort = 5332

	// physical cores per socket used for --map-by socket:PE=
	defaultCoresPerSocket = 48
)

// Config describes the hardware a training run uses.
type Config struct {
	Scaleout         bool   `flag:"scaleout" json:"scaleout" desc:"Run on more than one worker using MPI and Horovod"`
	NumWorkersPerHLS int    `flag:"num-workers-per-hls" json:"numWorkersPerHLS" desc:"Number of workers (cards) per HLS box"`
	HLSType          string `flag:"hls-type" json:"hlsType" desc:"HLS box type. Allowed values: ['HLS1', 'HLS1-H', 'HLS2']"`
	KubernetesRun    bool   `flag:"kubernetes-run" json:"kubernetesRun" desc:"Launched from an MPIJob launcher pod; hosts come from the MPI hostfile"`
	LogDir           string `flag:"log-dir" json:"logDir" desc:"Directory for mpirun per-rank output"`
	SSHPort          int    `flag:"ssh-port" json:"sshPort" desc:"Port sshd listens on on every worker node"`
	TCPInterface     string `flag:"mpi-tcp-include" json:"mpiTCPInclude" desc:"Network interface MPI uses between nodes"`
	CPUBindType      string `flag:"cpu-binding-type" json:"cpuBindingType" desc:"Process binding. Allowed values: ['cpu', 'none']"`
	CoresPerSocket   int    `flag:"cores-per-socket" json:"coresPerSocket" desc:"Physical cores per socket used to size the per-rank CPU binding"`
}

// Default returns the configuration of a single worker run.
func Default(logName string) Config {
	home, _ := os.UserHomeDir()
	return Config{
		NumWorkersPerHLS: 8,
		HLSType:          "HLS1",
		LogDir:           filepath.Join(home, "tmp", logName),
		SSHPort:          multinode.DefaultSSHPort,
		TCPInterface:     "eth0",
		CPUBindType:      "cpu",
		CoresPerSocket:   defaultCoresPerSocket,
	}
}

// Validate checks the configuration for a run.
func (c *Config) Validate() error {
	if c.NumWorkersPerHLS <= 0 {
		return fmt.Errorf("--num-workers-per-hls must be positive, got %d", c.NumWorkersPerHLS)
	}
	if !slices.Contains(SupportedHLSTypes, c.HLSType) {
		return fmt.Errorf("--hls-type must be one of %v, got %q", SupportedHLSTypes, c.HLSType)
	}
	if !slices.Contains(SupportedCPUBindTypes, c.CPUBindType) {
		return fmt.Errorf("--cpu-binding-type must be one of %v, got %q", SupportedCPUBindTypes, c.CPUBindType)
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return fmt.Errorf("--ssh-port out of range: %d", c.SSHPort)
	}
	if c.Scaleout && c.NumWorkersTotal() < 2 {
		return fmt.Errorf("scaleout requires at least 2 workers, got %d", c.NumWorkersTotal())
	}
	return nil
}

// MultiNode reports whether workers are spread over the nodes in $MULTI_HLS_IPS.
func (c *Config) MultiNode() bool {
	return c.Scaleout && !c.KubernetesRun && multinode.IsValidConfig()
}

// NumWorkersTotal is the number of MPI ranks of the run.
func (c *Config) NumWorkersTotal() int {
	if !c.Scaleout {
		return 1
	}
	if c.KubernetesRun {
		if hosts := kubernetesHostCount(); hosts > 0 {
			return hosts * c.NumWorkersPerHLS
		}
		return c.NumWorkersPerHLS
	}
	if c.MultiNode() {
		return len(multinode.Nodes()) * c.NumWorkersPerHLS
	}
	return c.NumWorkersPerHLS
}

// kubernetesHostCount counts the hosts listed in the MPI hostfile.
func kubernetesHostCount() int {
	path := os.Getenv(HostfileEnv)
	if path == "" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		klog.Warningf("failed to read MPI hostfile %s: %v", path, err)
		return 0
	}
	defer f.Close()
	n := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			n++
		}
	}
	return n
}

// EnvVars returns the variables every rank of the run needs. A run without
// scaleout has one worker whatever NumWorkersPerHLS says.
func (c *Config) EnvVars() map[string]string {
	workers := 1
	if c.Scaleout {
		workers = c.NumWorkersPerHLS
	}
	vars := map[string]string{
		"HLS_TYPE":            c.HLSType,
		"NUM_WORKERS_PER_HLS": strconv.Itoa(workers),
		"LOG_DIR":             c.LogDir,
	}
	if c.Scaleout {
		vars[HCLConfigEnv] = c.hclConfigPath()
	}
	if c.MultiNode() {
		vars[multinode.NodesEnv] = strings.Join(multinode.Nodes(), ",")
	}
	return vars
}

func (c *Config) hclConfigPath() string {
	if c.KubernetesRun {
		if p := os.Getenv(HCLConfigEnv); p != "" {
			return p
		}
	}
	return filepath.Join(c.LogDir, fmt.Sprintf("hcl_config.%d.json", c.NumWorkersTotal()))
}

// MPIRunCommand returns the mpirun prefix of a scaleout run, or an empty
// string when the run has a single worker. On a multi-node run the variables
// of EnvVars and the extra names in export are forwarded to every rank.
func (c *Config) MPIRunCommand(export ...string) string {
	if !c.Scaleout {
		return ""
	}
	args := []string{
		"mpirun", "--allow-run-as-root",
		"--tag-output", "--merge-stderr-to-stdout",
		"--output-filename", c.LogDir,
	}
	if c.CPUBindType == "cpu" {
		args = append(args, "--bind-to", "core", "--map-by", fmt.Sprintf("socket:PE=%d", c.processingElements()))
	}
	args = append(args, "-np", strconv.Itoa(c.NumWorkersTotal()))
	if c.MultiNode() {
		hosts := make([]string, 0)
		for _, n := range multinode.Nodes() {
			hosts = append(hosts, fmt.Sprintf("%s:%d", n, c.NumWorkersPerHLS))
		}
		args = append(args,
			"--mca", "plm_rsh_args", fmt.Sprintf("-p%d", c.SSHPort),
			"--mca", "btl_tcp_if_include", c.TCPInterface,
			"-H", strings.Join(hosts, ","),
		)
		names := make(map[string]struct{})
		for k := range c.EnvVars() {
			names[k] = struct{}{}
		}
		for _, k := range export {
			names[k] = struct{}{}
		}
		keys := make([]string, 0, len(names))
		for k := range names {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-x", k)
		}
	}
	return shellquote.Join(args...)
}

// processingElements is the number of cores bound to each rank on a box.
func (c *Config) processingElements() int {
	cores := c.CoresPerSocket
	if cores <= 0 {
		cores = defaultCoresPerSocket
	}
	// two sockets per box
	pe := 2 * cores / c.NumWorkersPerHLS
	if pe < 1 {
		pe = 1
	}
	return pe
}

type hclConfig struct {
	Port  int      `json:"HCL_PORT"`
	Type  string   `json:"HCL_TYPE"`
	Count int      `json:"HCL_COUNT,omitempty"`
	Ranks []string `json:"HCL_RANKS,omitempty"`
}

// Prepare creates the log directory and, for a scaleout run outside
// kubernetes, the rank layout file the communication library reads. The
// layout file and $HOME/tmp are created on every node of a multi-node run.
func (c *Config) Prepare(ctx context.Context, d *multinode.Dispatcher) error {
	logDir, err := util.CanonicalPath(c.LogDir)
	if err != nil {
		return fmt.Errorf("failed to resolve log dir: %w", err)
	}
	c.LogDir = logDir
	if err := os.MkdirAll(c.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	if !c.Scaleout || c.KubernetesRun {
		return nil
	}

	hcl := hclConfig{Port: hclPort, Type: c.HLSType}
	if c.MultiNode() {
		for _, n := range multinode.Nodes() {
			for i := 0; i < c.NumWorkersPerHLS; i++ {
				hcl.Ranks = append(hcl.Ranks, n)
			}
		}
	} else {
		hcl.Count = c.NumWorkersPerHLS
	}
	b, err := json.MarshalIndent(hcl, "", "  ")
	if err != nil {
		return err
	}
	path := c.hclConfigPath()
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("failed to write HCL config: %w", err)
	}
	klog.Infof("wrote HCL config %s", path)

	if c.MultiNode() && d != nil {
		cmd := fmt.Sprintf("mkdir -p %s $HOME/tmp && echo %s > %s",
			shellquote.Join(c.LogDir), shellquote.Join(string(b)), shellquote.Join(path))
		if err := d.RunPerIP(ctx, cmd, []string{multinode.NodesEnv, "PYTHONPATH"}); err != nil {
			return fmt.Errorf("failed to prepare nodes: %w", err)
		}
	}
	return nil
}
