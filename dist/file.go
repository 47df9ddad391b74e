package dist

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vaseramin777/gpt-neox/resources"
	"k8s.io/klog/v2"
)

const DefaultPollInterval = 50 * time.Millisecond

const (
	generationPrefix = "gen-"
	helloPrefix      = "hello-"
	welcomePrefix    = "welcome-"
)

// FileGroup rendezvouses independent processes through a directory they all
// see. Each AllReduce round is a subdirectory; every member atomically drops
// a file holding its contribution and polls until all files are present.
//
// Rounds live under a generation that rank 0 creates afresh for every
// launch, so files left behind by an earlier launch of the same session are
// never counted. Other members learn the generation by publishing a random
// nonce and waiting for rank 0 to answer it.
type FileGroup struct {
	Dir          string
	Session      string
	PollInterval time.Duration

	rank       int
	localRank  int
	ioRanks    []int
	generation string
	rounds     int
	answered   map[string]bool
}

// NewFileGroup creates this process's handle on the rendezvous directory
// `dir/session`. An empty `ioRanks` puts every rank in the I/O group.
func NewFileGroup(dir, session string, rank, localRank, worldSize int,
	ioRanks []int) (*FileGroup, error) {
	if err := validate(rank, localRank, worldSize); err != nil {
		return nil, err
	}
	if dir == "" || session == "" {
		return nil, errors.Wrap(ErrMembership,
			"a rendezvous directory and session are required")
	}
	members, err := ioMembers(ioRanks, worldSize)
	if err != nil {
		return nil, err
	}
	return &FileGroup{
		Dir:          dir,
		Session:      session,
		PollInterval: DefaultPollInterval,
		rank:         rank,
		localRank:    localRank,
		ioRanks:      members,
		answered:     map[string]bool{},
	}, nil
}

func (g *FileGroup) Rank() int        { return g.rank }
func (g *FileGroup) LocalRank() int   { return g.localRank }
func (g *FileGroup) IOWorldSize() int { return len(g.ioRanks) }
func (g *FileGroup) IOMember() bool   { return contains(g.ioRanks, g.rank) }

func (g *FileGroup) leader() bool { return g.rank == g.ioRanks[0] }

func (g *FileGroup) sessionDir() string {
	return filepath.Join(g.Dir, ".rendezvous-"+g.Session)
}

func (g *FileGroup) generationDir() string {
	return filepath.Join(g.sessionDir(), generationPrefix+g.generation)
}

func writeString(path, value string) error {
	_, err := resources.WriteAtomic(path, 0644, func(w io.Writer) error {
		_, err := io.WriteString(w, value)
		return err
	})
	return err
}

// poll calls `done` every PollInterval until it reports true, fails or ctx
// is done.
func (g *FileGroup) poll(ctx context.Context,
	done func() (bool, error)) error {
	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// join settles the generation this launch uses. Rank 0 starts a new one and
// drops those of earlier launches; the other members ask rank 0 for it.
func (g *FileGroup) join(ctx context.Context) error {
	if g.generation != "" {
		return nil
	}
	if g.leader() {
		generation := uuid.NewString()
		entries, err := os.ReadDir(g.sessionDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), generationPrefix) {
				klog.V(1).Infof("removing stale rendezvous %s", entry.Name())
				if err := os.RemoveAll(filepath.Join(g.sessionDir(),
					entry.Name())); err != nil {
					return err
				}
			}
		}
		g.generation = generation
		return os.MkdirAll(g.generationDir(), 0755)
	}

	nonce := uuid.NewString()
	hello := filepath.Join(g.sessionDir(), helloPrefix+nonce)
	welcome := filepath.Join(g.sessionDir(), welcomePrefix+nonce)
	if err := writeString(hello, strconv.Itoa(g.rank)); err != nil {
		return errors.Wrapf(err, "rank %d cannot join %s", g.rank,
			g.sessionDir())
	}
	err := g.poll(ctx, func() (bool, error) {
		raw, err := os.ReadFile(welcome)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		g.generation = strings.TrimSpace(string(raw))
		return true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "rank %d: no answer from rank %d",
			g.rank, g.ioRanks[0])
	}
	_ = os.Remove(hello)
	_ = os.Remove(welcome)
	klog.V(1).Infof("rank %d joined rendezvous generation %s", g.rank,
		g.generation)
	return nil
}

// answer tells every member waiting to join the current generation.
func (g *FileGroup) answer() error {
	entries, err := os.ReadDir(g.sessionDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		nonce, ok := strings.CutPrefix(entry.Name(), helloPrefix)
		if !ok || g.answered[nonce] {
			continue
		}
		if err := writeString(filepath.Join(g.sessionDir(),
			welcomePrefix+nonce), g.generation); err != nil {
			return err
		}
		g.answered[nonce] = true
	}
	return nil
}

func (g *FileGroup) AllReduce(ctx context.Context, value int64) (int64,
	error) {
	if !g.IOMember() {
		return 0, errors.Wrapf(ErrMembership,
			"rank %d is not in the I/O group %v", g.rank, g.ioRanks)
	}
	if err := g.join(ctx); err != nil {
		return 0, err
	}
	g.rounds++
	roundDir := filepath.Join(g.generationDir(),
		fmt.Sprintf("round-%d", g.rounds))
	contribution := filepath.Join(roundDir, fmt.Sprintf("rank-%d", g.rank))
	if err := writeString(contribution,
		strconv.FormatInt(value, 10)); err != nil {
		return 0, errors.Wrapf(err, "rank %d cannot join round %d",
			g.rank, g.rounds)
	}

	start := time.Now()
	var sum int64
	var arrived int
	err := g.poll(ctx, func() (bool, error) {
		if g.leader() {
			if err := g.answer(); err != nil {
				return false, err
			}
		}
		var err error
		sum, arrived, err = g.collect(roundDir)
		return arrived == len(g.ioRanks), err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "round %d: %d of %d members arrived "+
			"after %s", g.rounds, arrived, len(g.ioRanks),
			time.Since(start).Round(time.Millisecond))
	}
	return sum, nil
}

func (g *FileGroup) collect(roundDir string) (sum int64, arrived int,
	err error) {
	entries, err := os.ReadDir(roundDir)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		name, ok := strings.CutPrefix(entry.Name(), "rank-")
		if !ok {
			continue
		}
		if rank, convErr := strconv.Atoi(name); convErr != nil ||
			!contains(g.ioRanks, rank) {
			continue
		}
		raw, readErr := os.ReadFile(filepath.Join(roundDir, entry.Name()))
		if readErr != nil {
			return 0, 0, readErr
		}
		v, convErr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if convErr != nil {
			return 0, 0, errors.Wrapf(ErrMembership,
				"unreadable contribution %s: %v", entry.Name(), convErr)
		}
		sum += v
		arrived++
	}
	return sum, arrived, nil
}

// Leave
// Marks this member as done with the group. Rank 0 waits for every other
// I/O member to leave, then removes the generation and any unclaimed
// answers. Nothing may use the group afterwards.
func (g *FileGroup) Leave(ctx context.Context) error {
	if g.generation == "" || !g.IOMember() {
		return nil
	}
	leftDir := filepath.Join(g.generationDir(), "left")
	if !g.leader() {
		return writeString(filepath.Join(leftDir,
			fmt.Sprintf("rank-%d", g.rank)), "1")
	}
	err := g.poll(ctx, func() (bool, error) {
		entries, err := os.ReadDir(leftDir)
		if errors.Is(err, os.ErrNotExist) {
			return len(g.ioRanks) == 1, nil
		}
		if err != nil {
			return false, err
		}
		left := 0
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), "rank-") {
				left++
			}
		}
		return left == len(g.ioRanks)-1, nil
	})
	if err != nil {
		return errors.Wrapf(err, "waiting for the I/O group to leave %s",
			g.generationDir())
	}
	klog.V(1).Infof("removing rendezvous directory %s", g.generationDir())
	if err := os.RemoveAll(g.generationDir()); err != nil {
		return err
	}
	for nonce := range g.answered {
		_ = os.Remove(filepath.Join(g.sessionDir(), helloPrefix+nonce))
		_ = os.Remove(filepath.Join(g.sessionDir(), welcomePrefix+nonce))
	}
	// Fails while another launch is using the session.
	_ = os.Remove(g.sessionDir())
	g.generation = ""
	return nil
}
