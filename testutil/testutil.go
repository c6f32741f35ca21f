// Package testutil runs a disposable FoundationDB cluster for store tests.
package testutil

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/andrewchambers/nsfs/store/fdbstore"
)

// FreeLocalAddress returns a loopback address with a port nothing listens on.
func FreeLocalAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

type FDBCluster struct {
	tb          testing.TB
	ClusterFile string
}

// NewFDBCluster starts a single process memory cluster that is stopped when
// the test finishes. The test is skipped when fdbserver or fdbcli are not
// installed.
func NewFDBCluster(tb testing.TB) *FDBCluster {
	for _, bin := range []string{"fdbserver", "fdbcli"} {
		if _, err := exec.LookPath(bin); err != nil {
			tb.Skipf("%s not found in path", bin)
		}
	}

	addr, err := FreeLocalAddress()
	if err != nil {
		tb.Fatal(err)
	}
	dir := tb.TempDir()
	clusterFile := filepath.Join(dir, "fdb.cluster")
	err = os.WriteFile(clusterFile, []byte("nsfstest:nsfstest@"+addr), 0o644)
	if err != nil {
		tb.Fatal(err)
	}

	server := exec.Command("fdbserver", "-p", addr, "-C", clusterFile, "-d", dir, "-L", dir)
	output, err := server.StdoutPipe()
	if err != nil {
		tb.Fatal(err)
	}
	server.Stderr = server.Stdout
	if err := server.Start(); err != nil {
		tb.Fatalf("unable to start fdbserver: %s", err)
	}

	relayDone := &sync.WaitGroup{}
	relayDone.Add(1)
	go func() {
		defer relayDone.Done()
		scanner := bufio.NewScanner(output)
		for scanner.Scan() {
			tb.Logf("fdbserver: %s", scanner.Text())
		}
	}()
	tb.Cleanup(func() {
		_ = server.Process.Signal(syscall.SIGTERM)
		relayDone.Wait()
		_ = server.Wait()
	})

	cluster := &FDBCluster{tb: tb, ClusterFile: clusterFile}
	if out, err := cluster.cli("configure new single memory"); err != nil {
		tb.Fatalf("unable to configure cluster: %s: %s", err, out)
	}
	cluster.waitAvailable(20 * time.Second)
	return cluster
}

func (c *FDBCluster) cli(command string) (string, error) {
	out, err := exec.Command("fdbcli", "-C", c.ClusterFile, "--timeout", "5", "--exec", command).CombinedOutput()
	return string(out), err
}

func (c *FDBCluster) waitAvailable(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := c.cli("status minimal")
		if err == nil && strings.Contains(out, "available") && !strings.Contains(out, "unavailable") {
			return
		}
		if time.Now().After(deadline) {
			c.tb.Fatal(fmt.Errorf("cluster never became available: %v: %s", err, out))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Store opens a namespace store on the cluster, closed with the test.
func (c *FDBCluster) Store() *fdbstore.Store {
	store, err := fdbstore.Open(c.ClusterFile)
	if err != nil {
		c.tb.Fatal(err)
	}
	c.tb.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
