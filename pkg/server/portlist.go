package server

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/gofrs/flock"
)

// PortList is the on-disk shared list of leased data ports. Several
// server processes on one host may draw from the same reserved range;
// the list file records which process holds which port so a crashed
// worker's lease can be reaped after a grace period instead of leaking
// the port forever.
type PortList struct {
	path  string
	lock  *flock.Flock
	start int
	count int
	grace time.Duration
}

type portLease struct {
	Port     int   `json:"port"`
	PID      int   `json:"pid"`
	LeasedAt int64 `json:"leased_at"`
}

type portListFile struct {
	Leases []portLease `json:"leases"`
}

// DefaultLeaseGrace is how long a lease held by a dead process survives
// before a subsequent Lease call reaps it.
const DefaultLeaseGrace = 30 * time.Second

// OpenPortList opens (creating if absent) the shared port list at path,
// covering ports [start, start+count).
func OpenPortList(path string, start, count int) (*PortList, error) {
	if count <= 0 {
		return nil, fdberr.Newf(fdberr.UsageError, "server.OpenPortList", "port range is empty")
	}
	return &PortList{
		path:  path,
		lock:  flock.New(path + ".lock"),
		start: start,
		count: count,
		grace: DefaultLeaseGrace,
	}, nil
}

func (p *PortList) load() (portListFile, error) {
	var f portListFile
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, fdberr.New(fdberr.Transport, "server.PortList.load", err).WithURI(p.path)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fdberr.New(fdberr.Corruption, "server.PortList.load", err).WithURI(p.path)
	}
	return f, nil
}

func (p *PortList) save(f portListFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fdberr.New(fdberr.Transport, "server.PortList.save", err).WithURI(p.path)
	}
	return nil
}

// processAlive reports whether pid still exists. Signal 0 probes
// without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Lease claims a free port from the range for the calling process,
// reaping any lease whose holder has died and whose grace period has
// passed. Returns a Capacity error when every port is taken.
func (p *PortList) Lease(now time.Time) (int, error) {
	if err := p.lock.Lock(); err != nil {
		return 0, fdberr.New(fdberr.Transport, "server.PortList.Lease", err).WithURI(p.path)
	}
	defer p.lock.Unlock()

	f, err := p.load()
	if err != nil {
		return 0, err
	}

	held := make(map[int]bool, len(f.Leases))
	kept := f.Leases[:0]
	for _, l := range f.Leases {
		expired := now.Sub(time.Unix(l.LeasedAt, 0)) > p.grace
		if !processAlive(l.PID) && expired {
			continue
		}
		held[l.Port] = true
		kept = append(kept, l)
	}
	f.Leases = kept

	for port := p.start; port < p.start+p.count; port++ {
		if held[port] {
			continue
		}
		f.Leases = append(f.Leases, portLease{Port: port, PID: os.Getpid(), LeasedAt: now.Unix()})
		if err := p.save(f); err != nil {
			return 0, err
		}
		return port, nil
	}
	return 0, fdberr.Newf(fdberr.Capacity, "server.PortList.Lease",
		"all %d data ports from %d are leased", p.count, p.start).WithURI(p.path)
}

// Release returns a leased port to the pool. Releasing a port this
// process does not hold is a no-op.
func (p *PortList) Release(port int) error {
	if err := p.lock.Lock(); err != nil {
		return fdberr.New(fdberr.Transport, "server.PortList.Release", err).WithURI(p.path)
	}
	defer p.lock.Unlock()

	f, err := p.load()
	if err != nil {
		return err
	}
	kept := f.Leases[:0]
	for _, l := range f.Leases {
		if l.Port == port && l.PID == os.Getpid() {
			continue
		}
		kept = append(kept, l)
	}
	f.Leases = kept
	return p.save(f)
}
