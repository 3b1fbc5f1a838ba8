// Package privhelper lets a daemon that must drop privileges still
// obtain low-numbered-port listeners afterward: a second copy of the
// process is re-executed before the drop, stays root, and binds
// listeners on request over a Unix socketpair, handing each bound file
// descriptor back via SCM_RIGHTS.
//
// This is the Go-native analogue of gdnsd's privileged-bind-then-drop
// sequence in main.c, expressed with a real IPC channel instead of C's
// inherited-fd-before-fork approach, since Go's os/exec model makes
// passing already-open files to a child (ExtraFiles) easier than
// re-deriving them after a privilege-dropping setuid call in the
// current process.
package privhelper

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const reexecEnvVar = "GDNSD_PRIVHELPER"

// request/response are the tiny RPC exchanged over the socketpair.
type request struct {
	Network string `json:"network"`
	Address string `json:"address"`
	// Packet selects ListenPacket (UDP) over Listen (TCP) on the
	// helper side.
	Packet bool `json:"packet,omitempty"`
}

type response struct {
	Error string `json:"error,omitempty"`
}

// Helper is the parent-side handle to a running privileged child.
type Helper struct {
	conn *net.UnixConn
	cmd  *exec.Cmd
}

// Spawn re-executes the current binary with reexecEnvVar set, connected
// to this process over a freshly created socketpair. The child's
// RunChild (invoked from its own main, guarded by IsChild) answers bind
// requests until the socket closes.
func Spawn() (*Helper, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("privhelper: socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "privhelper-parent")
	childFile := os.NewFile(uintptr(fds[1]), "privhelper-child")
	defer childFile.Close()

	exePath, err := os.Executable()
	if err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("privhelper: find executable: %w", err)
	}

	cmd := exec.Command(exePath)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("privhelper: start: %w", err)
	}

	uc, err := net.FileConn(parentFile)
	if err != nil {
		return nil, fmt.Errorf("privhelper: wrap parent fd: %w", err)
	}
	parentFile.Close()

	unixConn, ok := uc.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("privhelper: unexpected conn type %T", uc)
	}
	return &Helper{conn: unixConn, cmd: cmd}, nil
}

// IsChild reports whether the current process was re-executed by
// Spawn, i.e. whether main should call RunChild instead of starting
// the daemon normally.
func IsChild() bool {
	return os.Getenv(reexecEnvVar) == "1"
}

// BindListener asks the privileged child to bind network/address with
// SO_REUSEPORT set, and returns the resulting listener reconstructed
// from the fd handed back over SCM_RIGHTS.
func (h *Helper) BindListener(network, address string) (net.Listener, error) {
	payload, err := json.Marshal(request{Network: network, Address: address})
	if err != nil {
		return nil, err
	}
	if _, err := h.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("privhelper: send request: %w", err)
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 4096)
	n, oobn, _, _, err := h.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("privhelper: read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, fmt.Errorf("privhelper: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("privhelper: helper refused bind: %s", resp.Error)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return nil, fmt.Errorf("privhelper: no fd in response")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("privhelper: parse rights: %w", err)
	}

	f := os.NewFile(uintptr(fds[0]), network+":"+address)
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("privhelper: reconstruct listener: %w", err)
	}
	return ln, nil
}

// BindPacketConn asks the privileged child to bind a connectionless
// (UDP) socket with SO_REUSEPORT set, the counterpart to BindListener
// for the DNS daemon's UDP I/O threads.
func (h *Helper) BindPacketConn(network, address string) (net.PacketConn, error) {
	payload, err := json.Marshal(request{Network: network, Address: address, Packet: true})
	if err != nil {
		return nil, err
	}
	if _, err := h.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("privhelper: send request: %w", err)
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 4096)
	n, oobn, _, _, err := h.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("privhelper: read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, fmt.Errorf("privhelper: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("privhelper: helper refused bind: %s", resp.Error)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(scms) == 0 {
		return nil, fmt.Errorf("privhelper: no fd in response")
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return nil, fmt.Errorf("privhelper: parse rights: %w", err)
	}

	f := os.NewFile(uintptr(fds[0]), network+":"+address)
	pc, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("privhelper: reconstruct packet conn: %w", err)
	}
	return pc, nil
}

// Close tells the helper child to exit and waits for it.
func (h *Helper) Close() error {
	h.conn.Close()
	return h.cmd.Wait()
}

// RunChild is the privileged child's main loop: it reads bind requests
// off fd 3 (the socketpair half passed via ExtraFiles) until the parent
// closes its end, and exits.
func RunChild() error {
	f := os.NewFile(3, "privhelper-child")
	conn, err := net.FileConn(f)
	if err != nil {
		return fmt.Errorf("privhelper(child): wrap fd 3: %w", err)
	}
	f.Close()
	uc := conn.(*net.UnixConn)
	defer uc.Close()

	buf := make([]byte, 4096)
	for {
		n, err := uc.Read(buf)
		if err != nil {
			return nil // parent closed the channel, clean exit
		}
		var req request
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			writeError(uc, err)
			continue
		}
		if req.Packet {
			handleBindPacket(uc, req)
		} else {
			handleBind(uc, req)
		}
	}
}

func handleBind(uc *net.UnixConn, req request) {
	lc := net.ListenConfig{Control: reusePortControl}
	ln, err := lc.Listen(context.Background(), req.Network, req.Address)
	if err != nil {
		writeError(uc, err)
		return
	}

	var fd uintptr
	switch l := ln.(type) {
	case *net.TCPListener:
		f, err := l.File()
		if err != nil {
			writeError(uc, err)
			return
		}
		defer f.Close()
		fd = f.Fd()
	default:
		writeError(uc, fmt.Errorf("unsupported listener type %T", ln))
		return
	}

	sendFD(uc, fd)
}

func handleBindPacket(uc *net.UnixConn, req request) {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), req.Network, req.Address)
	if err != nil {
		writeError(uc, err)
		return
	}

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		writeError(uc, fmt.Errorf("unsupported packet conn type %T", pc))
		return
	}
	f, err := udp.File()
	if err != nil {
		writeError(uc, err)
		return
	}
	defer f.Close()
	sendFD(uc, f.Fd())
}

func sendFD(uc *net.UnixConn, fd uintptr) {
	rights := unix.UnixRights(int(fd))
	resp, _ := json.Marshal(response{})
	uc.WriteMsgUnix(resp, rights, nil)
}

func writeError(uc *net.UnixConn, err error) {
	resp, _ := json.Marshal(response{Error: err.Error()})
	uc.Write(resp)
}

// reusePortControl is the net.ListenConfig.Control callback that sets
// SO_REUSEPORT before bind, the Go equivalent of gdnsd's soft/hard
// SO_REUSEPORT bind-check sequence during predecessor hand-off.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
