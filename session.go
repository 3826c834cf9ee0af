package s3ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/s3ftp/fs"
	"github.com/oarkflow/s3ftp/log"
	"github.com/oarkflow/s3ftp/providers"
)

type command struct {
	fn   func(*session, context.Context, string)
	auth bool
	// transfer commands move bytes over the data connection and are not
	// bounded by the per-command timeout.
	transfer bool
}

var commands = map[string]command{
	"USER": {fn: (*session).handleUser},
	"PASS": {fn: (*session).handlePass},
	"QUIT": {fn: (*session).handleQuit},
	"SYST": {fn: (*session).handleSyst},
	"FEAT": {fn: (*session).handleFeat},
	"OPTS": {fn: (*session).handleOpts},
	"NOOP": {fn: (*session).handleNoop},
	"TYPE": {fn: (*session).handleType, auth: true},
	"PWD":  {fn: (*session).handlePwd, auth: true},
	"CWD":  {fn: (*session).handleCwd, auth: true},
	"CDUP": {fn: (*session).handleCdup, auth: true},
	"PASV": {fn: (*session).handlePasv, auth: true},
	"LIST": {fn: (*session).handleList, auth: true, transfer: true},
	"NLST": {fn: (*session).handleNlst, auth: true, transfer: true},
	"RETR": {fn: (*session).handleRetr, auth: true, transfer: true},
	"STOR": {fn: (*session).handleStor, auth: true, transfer: true},
	"APPE": {fn: (*session).handleAppe, auth: true, transfer: true},
	"DELE": {fn: (*session).handleDele, auth: true},
	"MKD":  {fn: (*session).handleMkd, auth: true},
	"RMD":  {fn: (*session).handleRmd, auth: true},
	"RNFR": {fn: (*session).handleRnfr, auth: true},
	"RNTO": {fn: (*session).handleRnto, auth: true},
	"STAT": {fn: (*session).handleStat, auth: true},
}

// session is the state of one control connection. A single goroutine serves
// each session; only ctx/cancel and the data connection are touched from
// outside (control-close watcher, server shutdown), so those two are the
// only guarded fields.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	logger log.Logger

	// ctx is cancelled when the control connection goes away; every
	// storage call for this session derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	user          string
	authenticated bool
	cwd           string
	transferType  string
	renameFrom    string
	quitting      bool

	dataMu sync.Mutex
	data   *dataConn
}

func newSession(s *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		server:       s,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		logger:       s.logger.With("remote", conn.RemoteAddr().String()),
		ctx:          ctx,
		cancel:       cancel,
		cwd:          "/",
		transferType: "I",
	}
}

func (s *session) serve() {
	defer s.close()

	s.logger.Info("session opened")
	s.reply(StatusServiceReady, s.server.welcome)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("control read ended", "error", err.Error())
			}
			return
		}
		verb, arg := parseLine(line)
		s.logger.Debug("command", "verb", verb)

		cmd, ok := commands[verb]
		if !ok {
			s.reply(StatusSyntaxError, fmt.Sprintf("Unknown command %q.", verb))
			continue
		}
		if cmd.auth && !s.authenticated {
			s.reply(StatusNotLoggedIn, "Please login with USER and PASS.")
			continue
		}

		if cmd.transfer {
			stop := s.watchControl()
			cmd.fn(s, s.ctx, arg)
			stop()
		} else {
			ctx, cancel := context.WithTimeout(s.ctx, s.server.commandTimeout)
			cmd.fn(s, ctx, arg)
			cancel()
		}
		if s.quitting {
			return
		}
	}
}

// watchControl watches the control connection while a transfer holds the
// session goroutine. If the client closes control mid-transfer, the
// session context is cancelled and the data connection torn down so the
// transfer fails and its port returns to the pool instead of being pinned.
// The returned stop function must be called when the transfer finishes.
func (s *session) watchControl() (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.reader.Peek(1)
		if err == nil {
			// Pipelined input; leave it buffered for the command loop.
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		s.cancel()
		s.closeData()
	}()
	return func() {
		s.conn.SetReadDeadline(time.Now())
		<-done
		s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *session) close() {
	s.abort()
	s.logger.Info("session closed")
}

// abort force-terminates the session from any goroutine: cancels in-flight
// storage calls, tears down the data connection (releasing its port) and
// closes the control socket.
func (s *session) abort() {
	s.cancel()
	s.closeData()
	s.conn.Close()
}

func (s *session) setData(d *dataConn) {
	s.dataMu.Lock()
	s.data = d
	s.dataMu.Unlock()
}

func (s *session) closeData() {
	s.dataMu.Lock()
	d := s.data
	s.data = nil
	s.dataMu.Unlock()
	if d != nil {
		d.Close()
	}
}

// releaseData closes d and clears the session slot if d still occupies it.
// Close is idempotent, so racing with closeData is harmless.
func (s *session) releaseData(d *dataConn) {
	d.Close()
	s.dataMu.Lock()
	if s.data == d {
		s.data = nil
	}
	s.dataMu.Unlock()
}

func parseLine(line string) (verb, arg string) {
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.conn, "%d %s\r\n", code, message)
}

func (s *session) replyMulti(code int, header string, lines []string, footer string) {
	fmt.Fprintf(s.conn, "%d-%s\r\n", code, header)
	for _, line := range lines {
		fmt.Fprintf(s.conn, " %s\r\n", line)
	}
	fmt.Fprintf(s.conn, "%d %s\r\n", code, footer)
}

// replyErr maps backend errors onto FTP reply codes. Anything the backend
// does not classify stays a transient 450 so clients may retry.
func (s *session) replyErr(err error) {
	switch {
	case errors.Is(err, fs.ErrNotFound):
		s.reply(StatusActionNotTaken, "No such file or directory.")
	case errors.Is(err, fs.ErrExists):
		s.reply(StatusActionNotTaken, "Already exists.")
	case errors.Is(err, fs.ErrNotEmpty):
		s.reply(StatusActionNotTaken, "Directory not empty.")
	case errors.Is(err, fs.ErrIsDir):
		s.reply(StatusActionNotTaken, "Is a directory.")
	case errors.Is(err, fs.ErrNotDir):
		s.reply(StatusActionNotTaken, "Not a directory.")
	default:
		s.logger.Warn("storage operation failed", "error", err.Error())
		s.reply(StatusActionFailed, "Requested file action not taken.")
	}
}

func (s *session) handleUser(_ context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "USER requires a name.")
		return
	}
	if s.server.users == nil || !s.server.users.Lookup(arg) {
		// Unknown names are refused here; the session stays open for
		// another USER.
		s.user = ""
		s.authenticated = false
		s.reply(StatusNotLoggedIn, "Login incorrect.")
		return
	}
	s.user = arg
	s.authenticated = false
	s.reply(StatusNeedPassword, "Please specify the password.")
}

func (s *session) handlePass(_ context.Context, arg string) {
	if s.user == "" {
		s.reply(StatusBadSequence, "Login with USER first.")
		return
	}
	if s.server.users == nil {
		s.reply(StatusNotLoggedIn, "Login incorrect.")
		return
	}
	user, err := s.server.users.Login(s.user, arg)
	if err != nil {
		if !errors.Is(err, providers.ErrInvalidCredentials) {
			s.logger.Warn("login failed", "user", s.user, "error", err.Error())
		}
		// The session stays usable; the client may try USER/PASS again.
		s.reply(StatusNotLoggedIn, "Login incorrect.")
		return
	}
	s.authenticated = true
	s.logger = s.logger.With("user", user.Username)
	s.logger.Info("login ok")
	s.reply(StatusLoggedIn, "Login successful.")
}

func (s *session) handleQuit(_ context.Context, _ string) {
	s.quitting = true
	s.reply(StatusClosingControl, "Goodbye.")
}

func (s *session) handleSyst(_ context.Context, _ string) {
	s.reply(StatusSystemType, "UNIX Type: L8")
}

func (s *session) handleFeat(_ context.Context, _ string) {
	s.replyMulti(StatusSystemStatus, "Features:", []string{"UTF8", "PASV"}, "End")
}

func (s *session) handleOpts(_ context.Context, arg string) {
	if strings.EqualFold(arg, "UTF8 ON") || strings.EqualFold(arg, "UTF8") {
		s.reply(StatusOK, "Always in UTF8 mode.")
		return
	}
	s.reply(StatusNotImplementedParam, "Option not understood.")
}

func (s *session) handleNoop(_ context.Context, _ string) {
	s.reply(StatusOK, "NOOP ok.")
}

// handleType accepts ASCII and image but transfers bytes verbatim either
// way; line-ending translation is deliberately not performed.
func (s *session) handleType(_ context.Context, arg string) {
	switch strings.ToUpper(arg) {
	case "A", "I":
		s.transferType = strings.ToUpper(arg)
		s.reply(StatusOK, fmt.Sprintf("Switching to type %s.", s.transferType))
	default:
		s.reply(StatusNotImplementedParam, "Unsupported type.")
	}
}

func (s *session) handlePwd(_ context.Context, _ string) {
	s.reply(StatusPathCreated, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCwd(ctx context.Context, arg string) {
	target := fs.Resolve(s.cwd, arg)
	info, err := s.server.filesystem.Stat(ctx, target)
	if err != nil {
		s.replyErr(err)
		return
	}
	if !info.IsDir() {
		s.reply(StatusActionNotTaken, "Not a directory.")
		return
	}
	s.cwd = target
	s.reply(StatusActionOK, "Directory changed.")
}

func (s *session) handleCdup(ctx context.Context, _ string) {
	s.handleCwd(ctx, "..")
}

func (s *session) handlePasv(_ context.Context, _ string) {
	s.closeData()
	data, err := openDataConn(s.server.address, s.server.ports)
	if err != nil {
		if errors.Is(err, ErrNoPortsAvailable) {
			s.reply(StatusCannotOpenDataConn, "No passive ports available, try again later.")
			return
		}
		s.logger.Error("passive listener failed", "error", err.Error())
		s.reply(StatusCannotOpenDataConn, "Can't open data connection.")
		return
	}
	s.setData(data)
	s.reply(StatusPassiveMode, passiveReply(s.passiveIP(), data.port))
}

// passiveIP is the address put in the 227 reply: the configured public IP
// when set, else whatever local address the control connection came in on.
func (s *session) passiveIP() string {
	if s.server.publicIP != "" {
		return s.server.publicIP
	}
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

// openData waits for the client to dial the advertised port. The data
// connection stays registered on the session for the whole transfer so an
// external abort can tear it down; on failure the port goes straight back
// to the pool.
func (s *session) openData() (net.Conn, *dataConn, bool) {
	s.dataMu.Lock()
	data := s.data
	s.dataMu.Unlock()
	if data == nil {
		s.reply(StatusCannotOpenDataConn, "Use PASV first.")
		return nil, nil, false
	}
	conn, err := data.accept(s.server.dataTimeout)
	if err != nil {
		s.releaseData(data)
		s.reply(StatusCannotOpenDataConn, "Can't open data connection.")
		return nil, nil, false
	}
	return conn, data, true
}

func (s *session) handleList(ctx context.Context, arg string) {
	s.listTransfer(ctx, arg, formatListLine)
}

func (s *session) handleNlst(ctx context.Context, arg string) {
	s.listTransfer(ctx, arg, func(info os.FileInfo) string { return info.Name() })
}

func (s *session) listTransfer(ctx context.Context, arg string, format func(os.FileInfo) string) {
	// Some clients pass ls-style option flags like -a or -al; ignore them.
	arg = strings.TrimSpace(arg)
	for strings.HasPrefix(arg, "-") {
		_, rest, _ := strings.Cut(arg, " ")
		arg = strings.TrimSpace(rest)
	}
	target := fs.Resolve(s.cwd, arg)

	entries, err := s.server.filesystem.List(ctx, target)
	if err != nil {
		s.replyErr(err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	s.reply(StatusFileStatusOK, "Here comes the directory listing.")
	conn, data, ok := s.openData()
	if !ok {
		return
	}
	defer s.releaseData(data)

	for _, info := range entries {
		if _, err := fmt.Fprintf(conn, "%s\r\n", format(info)); err != nil {
			s.reply(StatusTransferAborted, "Connection closed; transfer aborted.")
			return
		}
	}
	conn.Close()
	s.reply(StatusClosingDataConnection, "Directory send OK.")
}

// formatListLine renders one LIST entry in the minimal ls -l shape most
// clients parse: mode, a fixed link count and owner, size, mtime, name.
func formatListLine(info os.FileInfo) string {
	return fmt.Sprintf("%s 1 none none %d %s %s",
		info.Mode().String(), info.Size(),
		info.ModTime().UTC().Format("Jan _2 15:04"), info.Name())
}

func (s *session) handleRetr(ctx context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "RETR requires a path.")
		return
	}
	target := fs.Resolve(s.cwd, arg)
	body, err := s.server.filesystem.Open(ctx, target)
	if err != nil {
		s.replyErr(err)
		return
	}
	defer body.Close()

	s.reply(StatusFileStatusOK, "Opening data connection.")
	conn, data, ok := s.openData()
	if !ok {
		return
	}
	defer s.releaseData(data)

	if _, err := io.Copy(conn, body); err != nil {
		s.logger.Warn("download aborted", "path", target, "error", err.Error())
		s.reply(StatusTransferAborted, "Connection closed; transfer aborted.")
		return
	}
	conn.Close()
	s.reply(StatusClosingDataConnection, "Transfer complete.")
}

func (s *session) handleStor(ctx context.Context, arg string) {
	s.storeTransfer(ctx, arg, s.server.filesystem.Create)
}

func (s *session) handleAppe(ctx context.Context, arg string) {
	s.storeTransfer(ctx, arg, s.server.filesystem.Append)
}

func (s *session) storeTransfer(ctx context.Context, arg string, store func(context.Context, string, io.Reader) (int64, error)) {
	if arg == "" {
		s.reply(StatusSyntaxError, "Command requires a path.")
		return
	}
	target := fs.Resolve(s.cwd, arg)

	s.reply(StatusFileStatusOK, "Ok to send data.")
	conn, data, ok := s.openData()
	if !ok {
		return
	}
	defer s.releaseData(data)

	n, err := store(ctx, target, conn)
	if err != nil {
		// The backend commits atomically, so a failed upload leaves no
		// partial object behind.
		s.replyErr(err)
		return
	}
	s.logger.Info("upload complete", "path", target, "bytes", n)
	s.reply(StatusClosingDataConnection, "Transfer complete.")
}

func (s *session) handleDele(ctx context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "DELE requires a path.")
		return
	}
	if err := s.server.filesystem.Delete(ctx, fs.Resolve(s.cwd, arg)); err != nil {
		s.replyErr(err)
		return
	}
	s.reply(StatusActionOK, "File deleted.")
}

func (s *session) handleMkd(ctx context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "MKD requires a path.")
		return
	}
	target := fs.Resolve(s.cwd, arg)
	if err := s.server.filesystem.Mkdir(ctx, target); err != nil {
		s.replyErr(err)
		return
	}
	s.reply(StatusPathCreated, fmt.Sprintf("%q created.", target))
}

func (s *session) handleRmd(ctx context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "RMD requires a path.")
		return
	}
	if err := s.server.filesystem.Rmdir(ctx, fs.Resolve(s.cwd, arg)); err != nil {
		s.replyErr(err)
		return
	}
	s.reply(StatusActionOK, "Directory removed.")
}

func (s *session) handleRnfr(ctx context.Context, arg string) {
	if arg == "" {
		s.reply(StatusSyntaxError, "RNFR requires a path.")
		return
	}
	target := fs.Resolve(s.cwd, arg)
	if _, err := s.server.filesystem.Stat(ctx, target); err != nil {
		s.renameFrom = ""
		s.replyErr(err)
		return
	}
	s.renameFrom = target
	s.reply(StatusPendingFurtherInfo, "Ready for RNTO.")
}

func (s *session) handleRnto(ctx context.Context, arg string) {
	if s.renameFrom == "" {
		s.reply(StatusBadSequence, "RNFR required first.")
		return
	}
	if arg == "" {
		s.reply(StatusSyntaxError, "RNTO requires a path.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	if err := s.server.filesystem.Rename(ctx, from, fs.Resolve(s.cwd, arg)); err != nil {
		s.replyErr(err)
		return
	}
	s.reply(StatusActionOK, "Rename successful.")
}

func (s *session) handleStat(ctx context.Context, arg string) {
	if arg == "" {
		s.replyMulti(StatusSystemStatus, "Server status:", []string{
			fmt.Sprintf("Connected from %s", s.conn.RemoteAddr()),
			fmt.Sprintf("Logged in as %s", s.user),
			fmt.Sprintf("TYPE: %s", s.transferType),
			fmt.Sprintf("Data ports free: %d", s.server.ports.available()),
		}, "End of status")
		return
	}
	info, err := s.server.filesystem.Stat(ctx, fs.Resolve(s.cwd, arg))
	if err != nil {
		s.replyErr(err)
		return
	}
	s.reply(StatusFileStatus, formatListLine(info))
}
