package chatcampus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/gateway"
	"github.com/putto11262002/chatcampus/pkg/snapshot"
)

const roomHelp = `commands:
  /delete <id>  delete one of your messages
  /refresh      refetch the room
  /quit         leave the room
anything else is sent as a message`

// printer renders snapshot changes as a transcript. It remembers which
// messages it has shown so each change prints only the difference.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	shown map[int]bool
	order []int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, shown: make(map[int]bool)}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) header(s *snapshot.Snapshot) {
	p.printf("# %s (%s)\n%s\n%d participants\n\n", s.Room.RoomName, s.Room.TopicDetails.TopicName,
		s.Room.RoomDescription, len(s.Participants))
}

func formatMessage(m core.Message) string {
	return fmt.Sprintf("[%d] %s %s: %s\n", m.ID, m.CreatedAt.Local().Format("15:04"), m.Owner.FirstName, m.Body)
}

// render prints messages not shown yet and notes the ones that disappeared.
func (p *printer) render(s *snapshot.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[int]bool, len(s.Messages))
	for _, m := range s.Messages {
		present[m.ID] = true
		if !p.shown[m.ID] {
			p.shown[m.ID] = true
			p.order = append(p.order, m.ID)
			io.WriteString(p.out, formatMessage(m))
		}
	}
	kept := p.order[:0]
	for _, id := range p.order {
		if present[id] {
			kept = append(kept, id)
			continue
		}
		delete(p.shown, id)
		fmt.Fprintf(p.out, "(message %d deleted)\n", id)
	}
	p.order = kept
}

// RunRoom runs an interactive room session reading commands from in until
// /quit, end of input or ctx is done.
func RunRoom(ctx context.Context, v *RoomView, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	st := v.Snapshot()
	if st.Snapshot == nil {
		return fmt.Errorf("room %d is not loaded", v.ID())
	}
	p.header(st.Snapshot)
	p.render(st.Snapshot)
	p.printf("%s\n\n", roomHelp)

	changes, stop := v.Changes()
	defer stop()

	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-changes:
				if st := v.Snapshot(); st.Snapshot != nil {
					p.render(st.Snapshot)
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return nil
		case "/help":
			p.printf("%s\n", roomHelp)
		case "/refresh":
			err = v.Refresh(ctx)
		case "/delete":
			id, convErr := strconv.Atoi(strings.TrimSpace(arg))
			if convErr != nil {
				p.printf("usage: /delete <id>\n")
				continue
			}
			err = v.DeleteMessage(ctx, id)
		default:
			err = v.SendMessage(ctx, line)
		}
		if err != nil {
			for _, msg := range gateway.Messages(err) {
				p.printf("error: %s\n", msg)
			}
		}
	}
}
