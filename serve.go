package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/Jon-Bright/kfcfreq/dvfs"
	"github.com/Jon-Bright/kfcfreq/freq"
)

var (
	listenPort int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Accept level requests over TCP",
		Long: "Accept line-based requests over TCP (LEVEL, SET <level|rate>, ALIVE, RELOCK <from> <to>, " +
			"TABLE, INFO, QUIT) and apply them one at a time.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTarget()
			if err != nil {
				return err
			}
			defer t.Close()
			c, err := t.controller()
			if err != nil {
				return err
			}
			defer c.Close()
			s, err := NewServer(listenPort, c)
			if err != nil {
				return err
			}
			go s.runTransitions()
			s.handleConnections()
			return nil
		},
	}
)

func init() {
	serveCmd.Flags().IntVar(&listenPort, "listen", 24601, "The port that the server should listen to")
}

// job is run against the controller by runTransitions, one at a time.
type job struct {
	fn   func(c *dvfs.Controller) (string, error)
	done chan reply
}

type reply struct {
	s   string
	err error
}

type Server struct {
	c    *dvfs.Controller
	tbl  *freq.Table
	l    net.Listener
	jobs chan job
}

func NewServer(port int, c *dvfs.Controller) (*Server, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	log.Printf("Listening on port %d", port)
	s := newServer(c)
	s.l = l
	return s, nil
}

func newServer(c *dvfs.Controller) *Server {
	return &Server{c: c, tbl: c.Table(), jobs: make(chan job)}
}

// do runs fn on the transition goroutine and waits for it.
func (s *Server) do(fn func(c *dvfs.Controller) (string, error)) (string, error) {
	j := job{fn, make(chan reply, 1)}
	s.jobs <- j
	r := <-j.done
	return r.s, r.err
}

// runTransitions is the only goroutine that touches the controller's state, so transitions never
// overlap.
func (s *Server) runTransitions() {
	for j := range s.jobs {
		r, err := j.fn(s.c)
		j.done <- reply{r, err}
	}
}

func (s *Server) level(c *dvfs.Controller) (string, error) {
	i := c.Current()
	return fmt.Sprintf("L%d %d", i, s.tbl.Level(i).RateKHz), nil
}

func (s *Server) handleCommand(cmd string, parms []string) (string, error) {
	switch cmd {
	case "LEVEL":
		return s.do(s.level)
	case "SET":
		if len(parms) != 1 {
			return "", fmt.Errorf("SET wants one parameter, got %d", len(parms))
		}
		i, err := parseLevel(s.tbl, parms[0])
		if err != nil {
			return "", err
		}
		return s.do(func(c *dvfs.Controller) (string, error) {
			old := c.Current()
			if err := c.SetLevel(i); err != nil {
				return "", err
			}
			log.Printf("Moved from L%d to L%d", old, i)
			return s.level(c)
		})
	case "ALIVE":
		// Through the job queue: a console port can't take two commands at once.
		return s.do(func(c *dvfs.Controller) (string, error) {
			if c.IsAlive() {
				return "1", nil
			}
			return "0", nil
		})
	case "RELOCK":
		if len(parms) != 2 {
			return "", fmt.Errorf("RELOCK wants two parameters, got %d", len(parms))
		}
		var idx [2]int
		for n, p := range parms {
			i, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(p), "L"))
			if err != nil || !s.tbl.Valid(i) {
				return "", fmt.Errorf("invalid level '%s'", p)
			}
			idx[n] = i
		}
		if s.c.NeedsFullRelock(idx[0], idx[1]) {
			return "1", nil
		}
		return "0", nil
	case "TABLE":
		r := make([]string, 0, s.tbl.Len())
		for _, rate := range s.tbl.Rates() {
			r = append(r, strconv.FormatUint(uint64(rate), 10))
		}
		return strings.Join(r, " "), nil
	case "INFO":
		i := s.c.Info()
		return fmt.Sprintf("fallback=%d safe=L%d max=L%d min=L%d boost=%d boot=%d", i.FallbackRateKHz,
			i.PLLSafeIndex, i.MaxSupportIndex, i.MinSupportIndex, i.BoostRateKHz, i.BootMaxQoS), nil
	}
	return "", fmt.Errorf("unknown command: %s", cmd)
}

func (s *Server) handleConnection(c net.Conn) {
	log.Printf("Handling connection from %v", c.RemoteAddr())
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		l, err := r.ReadString('\n')
		if err == io.EOF {
			log.Printf("EOF for connection %v", c.RemoteAddr())
			return
		}
		if err != nil {
			log.Printf("Error reading string for connection %v: %v", c.RemoteAddr(), err)
			return
		}
		t, err := shlex.Split(l)
		if err != nil {
			log.Printf("Error splitting '%s': %v", strings.TrimSpace(l), err)
			t = nil
		}
		if len(t) == 0 {
			continue
		}
		log.Printf("Got line '%s'", strings.TrimSpace(l))
		cmd := strings.ToUpper(t[0])
		if cmd == "QUIT" {
			return
		}
		res, err := s.handleCommand(cmd, t[1:])
		if err != nil {
			es := fmt.Sprintf("Error handling %s: %v", cmd, err)
			log.Print(es)
			res = "ERR: " + es
		}
		w.WriteString(res + "\n")
		if err := w.Flush(); err != nil {
			log.Printf("error writing reply: %v", err)
			return
		}
	}
}

func (s *Server) handleConnections() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}
