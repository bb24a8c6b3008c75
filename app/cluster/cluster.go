// Package cluster classifies the host the tool runs on into one of the known clusters.
// Detection never fails, unknown hosts are reported as Generic.
package cluster

import (
	"os"
	"os/exec"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/host"
)

// Cluster is a known cluster identifier
type Cluster string

// known clusters
const (
	Generic  Cluster = "generic"
	Narval   Cluster = "narval"
	Beluga   Cluster = "beluga"
	Rorqual  Cluster = "rorqual"
	Fir      Cluster = "fir"
	PLAI     Cluster = "plai"
	Cedar    Cluster = "cedar"
	SubmitML Cluster = "submit-ml"
	ARC      Cluster = "arc"
	Vulcan   Cluster = "vulcan"
)

// environment markers
const (
	EnvOverride = "SUBMIT_CLUSTER"
	EnvAlliance = "CC_CLUSTER"
)

// order matters, ".calcul.quebec" is a suffix of "narval.calcul.quebec"
var domainRules = []struct {
	suffix  string
	cluster Cluster
}{
	{"narval.calcul.quebec", Narval},
	{".calculquebec.ca", Beluga},
	{".calcul.quebec", Rorqual},
	{".fir.alliancecan.ca", Fir},
}

var nodeRules = []struct {
	marker  string
	cluster Cluster
}{
	{"plai[", PLAI},
	{"cdr[", Cedar},
	{"ubc-ml[", SubmitML},
	{"se[", ARC},
	{"rack", Vulcan},
}

// Known returns all known clusters, Generic excluded
func Known() []Cluster {
	return []Cluster{Narval, Beluga, Rorqual, Fir, PLAI, Cedar, SubmitML, ARC, Vulcan}
}

// Parse returns cluster for the name, false if the name is not a known cluster
func Parse(name string) (Cluster, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == string(Generic) {
		return Generic, true
	}
	for _, c := range Known() {
		if string(c) == name {
			return c, true
		}
	}
	return Generic, false
}

// Signals are the host identifying inputs used for classification
type Signals struct {
	Override   string // explicit SUBMIT_CLUSTER value
	Alliance   string // CC_CLUSTER value
	DomainName string
	SlurmNodes string // output of sinfo -h -o %N
}

// Classify maps signals to a cluster. Pure function
func Classify(s Signals) Cluster {
	if c, ok := Parse(s.Override); ok {
		return c
	}
	if c, ok := Parse(s.Alliance); ok {
		return c
	}

	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s.DomainName)), ".")
	if domain != "" {
		for _, r := range domainRules {
			if strings.HasSuffix(domain, r.suffix) || "."+domain == r.suffix {
				return r.cluster
			}
		}
	}

	for _, r := range nodeRules {
		if s.SlurmNodes != "" && strings.Contains(s.SlurmNodes, r.marker) {
			return r.cluster
		}
	}
	return Generic
}

// Probe collects signals from the host
type Probe interface {
	Getenv(key string) string
	DomainName() string
	SlurmNodes() string
}

// Detect gathers signals with probe and classifies them. Host inspection is skipped if an
// environment marker names a known cluster
func Detect(p Probe) Cluster {
	sig := Signals{
		Override: p.Getenv(EnvOverride),
		Alliance: p.Getenv(EnvAlliance),
	}
	for _, marker := range []string{sig.Override, sig.Alliance} {
		if c, ok := Parse(marker); ok {
			log.Printf("[DEBUG] cluster %q from environment", c)
			return c
		}
	}
	if sig.Override != "" {
		log.Printf("[WARN] unknown cluster %q in %s, ignored", sig.Override, EnvOverride)
	}

	sig.DomainName = p.DomainName()
	c := Classify(sig)
	if c == Generic {
		// node inspection only if domain didn't match, sinfo can be slow
		sig.SlurmNodes = p.SlurmNodes()
		c = Classify(sig)
	}
	log.Printf("[DEBUG] cluster detected %q from %+v", c, sig)
	return c
}

// SystemProbe inspects the current host
type SystemProbe struct{}

// Getenv returns environment variable
func (SystemProbe) Getenv(key string) string { return os.Getenv(key) }

// DomainName returns dns domain name of the host, empty on failure
func (SystemProbe) DomainName() string {
	if out, err := exec.Command("dnsdomainname").Output(); err == nil {
		if d := strings.TrimSpace(string(out)); d != "" {
			return d
		}
	}
	info, err := host.Info()
	if err != nil {
		log.Printf("[DEBUG] can't get host info, %v", err)
		return ""
	}
	// fqdn hostname, drop the first label
	if idx := strings.Index(info.Hostname, "."); idx > 0 {
		return info.Hostname[idx+1:]
	}
	return ""
}

// SlurmNodes returns compact node list from sinfo, empty if slurm is not available
func (SystemProbe) SlurmNodes() string {
	out, err := exec.Command("sinfo", "-h", "-o", "%N").Output()
	if err != nil {
		log.Printf("[DEBUG] sinfo failed, %v", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}
