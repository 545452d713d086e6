package wbp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/machinefabric/wbp-go/cbor"
	"go.uber.org/zap"
)

// File is an open file as seen by the transfer channel
type File interface {
	io.Reader
	io.Writer
	io.Closer
	Stat() (fs.FileInfo, error)
}

// FileSystem opens files for download (Open) and upload (Create)
type FileSystem interface {
	Open(name string) (File, error)
	Create(name string) (File, error)
}

// OSFileSystem uses the host file system with paths taken as given
type OSFileSystem struct{}

// Open opens name read-only
func (OSFileSystem) Open(name string) (File, error) {
	return os.Open(name)
}

// Create creates or truncates name
func (OSFileSystem) Create(name string) (File, error) {
	return os.Create(name)
}

// DirFileSystem confines transfers to one directory tree. Client paths
// are interpreted relative to the root, with or without a leading slash;
// paths escaping the root fail.
type DirFileSystem struct {
	root *os.Root
}

// NewDirFileSystem opens dir as a transfer root
func NewDirFileSystem(dir string) (*DirFileSystem, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open transfer root: %w", err)
	}
	return &DirFileSystem{root: root}, nil
}

// Open opens name read-only inside the root
func (d *DirFileSystem) Open(name string) (File, error) {
	return d.root.Open(d.rel(name))
}

// Create creates or truncates name inside the root
func (d *DirFileSystem) Create(name string) (File, error) {
	return d.root.Create(d.rel(name))
}

// Close releases the root directory handle
func (d *DirFileSystem) Close() error {
	return d.root.Close()
}

func (d *DirFileSystem) rel(name string) string {
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "."
	}
	return name
}

type transferDirection int

const (
	transferDownload transferDirection = iota
	transferUpload
)

func (d transferDirection) String() string {
	if d == transferUpload {
		return "upload"
	}
	return "download"
}

// transferSession is the single active RRQ or WRQ exchange. mu
// serializes the frames of the exchange and guards the progress fields;
// file I/O happens under mu only, never under fileTransfer.mu, so an
// abort does not wait for the disk.
type transferSession struct {
	direction transferDirection
	path      string

	mu          sync.Mutex
	blockSize   int
	block       uint64 // download: last block sent; upload: last block accepted
	totalSize   uint64
	transferred uint64
	lastData    []byte // download: payload of block, kept for resends

	fileMu sync.Mutex
	file   File
	closed bool
}

// setFile installs the opened file. It reports false, leaving f to the
// caller, when the session was closed while the file was opening.
func (t *transferSession) setFile(f File) bool {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	if t.closed {
		return false
	}
	t.file = f
	return true
}

func (t *transferSession) isClosed() bool {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	return t.closed
}

// close closes the file once; later calls return nil
func (t *transferSession) close() error {
	t.fileMu.Lock()
	f := t.file
	already := t.closed
	t.closed = true
	t.fileMu.Unlock()
	if already || f == nil {
		return nil
	}
	return f.Close()
}

// repeatAck returns ACK 0 again when a request for the same exchange is
// retransmitted before any block moved, else nil.
func (t *transferSession) repeatAck(direction transferDirection, path string, total *uint64) *cbor.Frame {
	if t.direction != direction || t.path != path {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blockSize == 0 || t.block != 0 || t.isClosed() {
		return nil
	}
	if total != nil && *total != t.totalSize {
		return nil
	}
	return cbor.NewAckOptions(t.totalSize, uint64(t.blockSize))
}

// fileTransfer runs the stop-and-wait sub-protocol on channel 23. mu
// only guards which session is active; replies are sent after every lock
// is released.
type fileTransfer struct {
	s            *Session
	fs           FileSystem
	defaultBlock int
	maxBlock     int
	log          *zap.Logger

	mu     sync.Mutex
	active *transferSession
}

var _ ChannelHandler = (*fileTransfer)(nil)

func newFileTransfer(s *Session, fsys FileSystem, cfg Config, log *zap.Logger) *fileTransfer {
	return &fileTransfer{
		s:            s,
		fs:           fsys,
		defaultBlock: cfg.DefaultBlockSize,
		maxBlock:     cfg.MaxBlockSize,
		log:          log,
	}
}

// HandleFrame processes one channel 23 frame
func (ft *fileTransfer) HandleFrame(f *cbor.Frame) {
	var reply *cbor.Frame
	switch f.Kind {
	case cbor.KindReadRequest:
		reply = ft.startDownload(f.Path, f.BlockSize)
	case cbor.KindWriteRequest:
		reply = ft.startUpload(f.Path, f.TotalSize, f.BlockSize)
	case cbor.KindData:
		reply = ft.data(f.Block, f.Payload)
	case cbor.KindAck:
		reply = ft.ack(f.Block)
	case cbor.KindError:
		ft.log.Info("transfer aborted by peer", zap.Uint8("code", f.Code), zap.String("message", f.Message))
		ft.abort()
	default:
		ft.log.Debug("ignoring frame", zap.Stringer("frame", f))
	}
	if reply != nil {
		ft.s.sendAuthenticated(reply)
	}
}

// Active reports whether a transfer session is open
func (ft *fileTransfer) Active() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.active != nil
}

func (ft *fileTransfer) current() *transferSession {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.active
}

// abort closes any active session without telling the peer
func (ft *fileTransfer) abort() {
	ft.mu.Lock()
	sess := ft.active
	ft.active = nil
	ft.mu.Unlock()
	if sess != nil {
		ft.log.Info("transfer aborted", zap.String("path", sess.path), zap.Stringer("direction", sess.direction))
		sess.close()
	}
}

// detach clears sess as the active session. It reports false when sess
// was aborted or replaced meanwhile.
func (ft *fileTransfer) detach(sess *transferSession) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.active != sess {
		return false
	}
	ft.active = nil
	return true
}

// fail ends sess and returns the ERROR frame for err. A session that was
// aborted meanwhile gets no reply.
func (ft *fileTransfer) fail(sess *transferSession, err error) *cbor.Frame {
	owned := ft.detach(sess)
	sess.close()
	if !owned {
		return nil
	}
	ft.log.Warn("transfer failed", zap.String("path", sess.path), zap.Error(err))
	return fileErrorFrame(err)
}

// begin reserves the transfer slot and returns the new session with its
// mu held. With a session already active it returns the reply instead:
// ACK 0 again for a retransmitted request, else ERROR(2).
func (ft *fileTransfer) begin(direction transferDirection, path string, total *uint64) (*transferSession, *cbor.Frame) {
	ft.mu.Lock()
	active := ft.active
	if active == nil {
		sess := &transferSession{direction: direction, path: path}
		sess.mu.Lock()
		ft.active = sess
		ft.mu.Unlock()
		return sess, nil
	}
	ft.mu.Unlock()

	if reply := active.repeatAck(direction, path, total); reply != nil {
		ft.log.Debug("repeated request, resending ACK 0", zap.String("path", path))
		return nil, reply
	}
	return nil, fileErrorFrame(newFileError(cbor.ErrAccess, "Transfer already in progress"))
}

func (ft *fileTransfer) negotiateBlockSize(requested *uint64) (int, error) {
	if requested == nil || *requested == 0 {
		return ft.defaultBlock, nil
	}
	if *requested > uint64(ft.maxBlock) {
		return 0, newFileError(cbor.ErrOptionNegotiate, "Block size %d exceeds maximum %d", *requested, ft.maxBlock)
	}
	return int(*requested), nil
}

func (ft *fileTransfer) startDownload(path string, requested *uint64) *cbor.Frame {
	sess, reply := ft.begin(transferDownload, path, nil)
	if sess == nil {
		return reply
	}
	defer sess.mu.Unlock()

	blockSize, err := ft.negotiateBlockSize(requested)
	if err != nil {
		return ft.fail(sess, err)
	}
	file, err := ft.fs.Open(path)
	if err != nil {
		return ft.fail(sess, openError(err, cbor.ErrNotFound))
	}
	if !sess.setFile(file) {
		file.Close()
		return nil
	}
	info, err := file.Stat()
	if err != nil {
		return ft.fail(sess, newFileError(cbor.ErrAccess, "Failed to get file size"))
	}
	if info.IsDir() {
		return ft.fail(sess, newFileError(cbor.ErrAccess, "Is a directory"))
	}

	sess.blockSize = blockSize
	sess.totalSize = uint64(info.Size())
	ft.log.Info("download started", zap.String("path", path), zap.Int64("size", info.Size()), zap.Int("block_size", blockSize))
	return cbor.NewAckOptions(sess.totalSize, uint64(blockSize))
}

func (ft *fileTransfer) startUpload(path string, total *uint64, requested *uint64) *cbor.Frame {
	sess, reply := ft.begin(transferUpload, path, total)
	if sess == nil {
		return reply
	}
	defer sess.mu.Unlock()

	blockSize, err := ft.negotiateBlockSize(requested)
	if err != nil {
		return ft.fail(sess, err)
	}
	file, err := ft.fs.Create(path)
	if err != nil {
		return ft.fail(sess, openError(err, cbor.ErrAccess))
	}
	if !sess.setFile(file) {
		file.Close()
		return nil
	}

	sess.blockSize = blockSize
	if total != nil {
		sess.totalSize = *total
	}
	ft.log.Info("upload started", zap.String("path", path), zap.Uint64("size", sess.totalSize), zap.Int("block_size", blockSize))
	return cbor.NewAckOptions(sess.totalSize, uint64(blockSize))
}

// ack handles a client ACK during a download. ACK(n) for the last block
// sent asks for the next one; a repeat of the previous ACK asks for the
// last block again.
func (ft *fileTransfer) ack(block uint64) *cbor.Frame {
	sess := ft.current()
	if sess == nil {
		return nil
	}
	if sess.direction != transferDownload {
		return ft.fail(sess, newFileError(cbor.ErrIllegalOp, "ACK during upload"))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.isClosed() {
		return nil
	}

	switch {
	case block == sess.block:
		buf := make([]byte, sess.blockSize)
		n, err := io.ReadFull(sess.file, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return ft.fail(sess, newFileError(cbor.ErrAccess, "Read failed: %v", err))
		}
		if sess.isClosed() {
			return nil
		}
		sess.block++
		sess.lastData = buf[:n]
		sess.transferred += uint64(n)
		frame := cbor.NewData(sess.block, sess.lastData)
		if n < sess.blockSize {
			ft.detach(sess)
			sess.close()
			ft.log.Info("download complete", zap.String("path", sess.path), zap.Uint64("bytes", sess.transferred))
		}
		return frame

	case sess.block > 0 && block == sess.block-1:
		ft.log.Debug("duplicate ACK, resending", zap.Uint64("block", sess.block))
		return cbor.NewData(sess.block, sess.lastData)

	default:
		return ft.fail(sess, newFileError(cbor.ErrIllegalOp, "Unexpected ACK %d, expected %d", block, sess.block))
	}
}

// data handles a client DATA block during an upload
func (ft *fileTransfer) data(block uint64, payload []byte) *cbor.Frame {
	noUpload := fileErrorFrame(newFileError(cbor.ErrUnknownTID, "No active upload"))
	sess := ft.current()
	if sess == nil {
		return noUpload
	}
	if sess.direction != transferUpload {
		return ft.fail(sess, newFileError(cbor.ErrIllegalOp, "DATA during download"))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.isClosed() {
		return noUpload
	}

	switch {
	case block == sess.block+1:
		if len(payload) > sess.blockSize {
			return ft.fail(sess, newFileError(cbor.ErrIllegalOp, "Block of %d bytes exceeds block size %d", len(payload), sess.blockSize))
		}
		if _, err := sess.file.Write(payload); err != nil {
			return ft.fail(sess, writeError(err))
		}
		if sess.isClosed() {
			return nil
		}
		sess.block = block
		sess.transferred += uint64(len(payload))
		if len(payload) < sess.blockSize {
			ft.detach(sess)
			if err := sess.close(); err != nil {
				ft.log.Warn("transfer failed", zap.String("path", sess.path), zap.Error(err))
				return fileErrorFrame(writeError(err))
			}
			ft.log.Info("upload complete", zap.String("path", sess.path), zap.Uint64("bytes", sess.transferred))
		}
		return cbor.NewAck(block)

	case block == sess.block:
		ft.log.Debug("duplicate DATA, re-acknowledging", zap.Uint64("block", block))
		return cbor.NewAck(block)

	default:
		return ft.fail(sess, newFileError(cbor.ErrIllegalOp, "Unexpected block %d, expected %d", block, sess.block+1))
	}
}

func openError(err error, fallback uint8) *FileError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newFileError(cbor.ErrNotFound, "File not found")
	case errors.Is(err, fs.ErrPermission):
		return newFileError(cbor.ErrAccess, "Permission denied")
	case errors.Is(err, fs.ErrExist):
		return newFileError(cbor.ErrFileExists, "File exists")
	default:
		return newFileError(fallback, "Failed to open file: %v", err)
	}
}

func writeError(err error) *FileError {
	if errors.Is(err, syscall.ENOSPC) {
		return newFileError(cbor.ErrDiskFull, "Disk full")
	}
	return newFileError(cbor.ErrDiskFull, "Write failed: %v", err)
}
