// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build linux

// Package v4l2 implements capture.Device over the Video4Linux2
// streaming API with user-pointer buffers. The device is opened
// non-blocking; frames are dequeued only after the descriptor polls
// readable, so the capture loop never blocks in the driver.
package v4l2

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/styxheim/wsang-camcap/capture"
	"github.com/styxheim/wsang-camcap/frameidx"
	"golang.org/x/sys/unix"
)

// ioctl command encoding, per include/uapi/asm-generic/ioctl.h.
const (
	iocWrite = 1
	iocRead  = 2

	iocNumberBits = 8
	iocTypeBits   = 8
	iocSizeBits   = 14

	numberPos = 0
	typePos   = numberPos + iocNumberBits
	sizePos   = typePos + iocTypeBits
	opPos     = sizePos + iocSizeBits
)

func ioEnc(mode, typ, number, size uintptr) uintptr {
	return mode<<opPos | typ<<typePos | number<<numberPos | size<<sizePos
}

func ioEncR(typ, number, size uintptr) uintptr  { return ioEnc(iocRead, typ, number, size) }
func ioEncW(typ, number, size uintptr) uintptr  { return ioEnc(iocWrite, typ, number, size) }
func ioEncRW(typ, number, size uintptr) uintptr { return ioEnc(iocRead|iocWrite, typ, number, size) }

func fourcc(a, b, c, d uint32) uint32 { return a | b<<8 | c<<16 | d<<24 }

// V4L2 constants, per include/uapi/linux/videodev2.h.
const (
	bufTypeVideoCapture = 1
	memoryUserptr       = 2
	fieldInterlaced     = 4

	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capTimePerFrame = 0x1000

	cidExposureAutoPriority = 0x009a0903
)

var pixFmtMJPEG = fourcc('M', 'J', 'P', 'G')

type capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type pixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	encoding     uint32
	quantization uint32
	xferFunc     uint32
}

// format is struct v4l2_format: the fmt union is 8-aligned and 200
// bytes wide on 64-bit kernels.
type format struct {
	typ uint32
	_   uint32
	fmt [200]byte
}

func (f *format) pix() *pixFormat { return (*pixFormat)(unsafe.Pointer(&f.fmt[0])) }

type fract struct {
	numerator   uint32
	denominator uint32
}

type captureParm struct {
	capability   uint32
	captureMode  uint32
	timePerFrame fract
	extendedMode uint32
	readBuffers  uint32
	reserved     [4]uint32
}

type streamParm struct {
	typ  uint32
	parm [200]byte
}

func (s *streamParm) capture() *captureParm { return (*captureParm)(unsafe.Pointer(&s.parm[0])) }

type requestBuffers struct {
	count    uint32
	typ      uint32
	memory   uint32
	reserved [2]uint32
}

type timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// buffer is struct v4l2_buffer on a 64-bit kernel; m is the
// offset/userptr/planes union.
type buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	_         uint32
	timestamp unix.Timeval
	timecode  timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	reserved  uint32
}

type control struct {
	id    uint32
	value int32
}

var (
	vidiocQuerycap = ioEncR('V', 0, unsafe.Sizeof(capability{}))
	vidiocSFmt     = ioEncRW('V', 5, unsafe.Sizeof(format{}))
	vidiocReqbufs  = ioEncRW('V', 8, unsafe.Sizeof(requestBuffers{}))
	vidiocQbuf     = ioEncRW('V', 15, unsafe.Sizeof(buffer{}))
	vidiocDqbuf    = ioEncRW('V', 17, unsafe.Sizeof(buffer{}))
	vidiocStreamon = ioEncW('V', 18, unsafe.Sizeof(uint32(0)))
	vidiocGParm    = ioEncRW('V', 21, unsafe.Sizeof(streamParm{}))
	vidiocSCtrl    = ioEncRW('V', 28, unsafe.Sizeof(control{}))
)

// ioctl issues the request, retrying on EINTR.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno != unix.EINTR {
			return errno
		}
		log.Debug.Printf("v4l2: ioctl %#x interrupted, retrying", req)
	}
}

// Config parameterizes Open.
type Config struct {
	// Width and Height request a capture resolution; the driver may
	// adjust both.
	Width  uint32
	Height uint32
	// Buffers is the depth of the userptr queue. Default 8.
	Buffers int
}

// openPolicy bounds the retry of transient device-open failures
// (EBUSY from a slow-releasing previous owner, ENODEV during
// enumeration at boot).
var openPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 2*time.Second, 2), 8)

// Device is a V4L2 capture device streaming MJPEG frames into
// user-pointer buffers.
type Device struct {
	path   string
	fd     int
	info   capture.Info
	bufs   [][]byte
	queued int
}

var _ capture.Device = (*Device)(nil)

// Open opens and configures the device at path, retrying transient
// open failures with bounded backoff.
func Open(ctx context.Context, path string, cfg Config) (*Device, error) {
	if cfg.Buffers == 0 {
		cfg.Buffers = 8
	}
	var (
		fd  int
		err error
	)
	for retries := 0; ; retries++ {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		log.Error.Printf("v4l2: open %s: %v", path, err)
		if werr := retry.Wait(ctx, openPolicy, retries); werr != nil {
			return nil, errors.E(fmt.Sprintf("v4l2: open %s", path), err)
		}
	}
	d := &Device{path: path, fd: fd}
	if err := d.setup(cfg); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func (d *Device) setup(cfg Config) error {
	var caps capability
	if err := ioctl(d.fd, vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		return errors.E(fmt.Sprintf("v4l2: %s: query capabilities", d.path), err)
	}
	if caps.capabilities&capVideoCapture == 0 {
		return errors.E(errors.NotSupported, fmt.Sprintf("v4l2: %s does not support capture", d.path))
	}
	if caps.capabilities&capStreaming == 0 {
		return errors.E(errors.NotSupported, fmt.Sprintf("v4l2: %s does not support streaming", d.path))
	}

	var fmtReq format
	fmtReq.typ = bufTypeVideoCapture
	pix := fmtReq.pix()
	pix.width = cfg.Width
	pix.height = cfg.Height
	pix.pixelformat = pixFmtMJPEG
	pix.field = fieldInterlaced
	if err := ioctl(d.fd, vidiocSFmt, unsafe.Pointer(&fmtReq)); err != nil {
		return errors.E(fmt.Sprintf("v4l2: %s: set format", d.path), err)
	}
	log.Printf("v4l2: %s: %dx%d, frame buffer %d bytes, format %q",
		d.path, pix.width, pix.height, pix.sizeimage,
		string([]byte{byte(pix.pixelformat), byte(pix.pixelformat >> 8), byte(pix.pixelformat >> 16), byte(pix.pixelformat >> 24)}))

	var parm streamParm
	parm.typ = bufTypeVideoCapture
	if err := ioctl(d.fd, vidiocGParm, unsafe.Pointer(&parm)); err != nil {
		return errors.E(fmt.Sprintf("v4l2: %s: get stream parameters", d.path), err)
	}
	cp := parm.capture()
	if cp.capability&capTimePerFrame == 0 {
		return errors.E(errors.NotSupported, fmt.Sprintf("v4l2: %s does not report frame timing", d.path))
	}
	if cp.timePerFrame.numerator == 0 || cp.timePerFrame.denominator == 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("v4l2: %s: frame interval %d/%d",
			d.path, cp.timePerFrame.numerator, cp.timePerFrame.denominator))
	}
	fps := cp.timePerFrame.denominator / cp.timePerFrame.numerator
	log.Printf("v4l2: %s: %d frames per second", d.path, fps)

	// Variable exposure stretches frame intervals in the dark;
	// recording wants a steady cadence over well-exposed frames.
	ctrl := control{id: cidExposureAutoPriority, value: 0}
	if err := ioctl(d.fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		log.Printf("v4l2: %s: exposure auto priority not disabled: %v", d.path, err)
	}

	d.info = capture.Info{
		FPS:       uint8(fps),
		Width:     uint16(pix.width),
		Height:    uint16(pix.height),
		FrameSize: int(pix.sizeimage),
	}
	d.bufs = make([][]byte, cfg.Buffers)
	for i := range d.bufs {
		d.bufs[i] = make([]byte, pix.sizeimage)
	}
	return nil
}

// Fd implements capture.Device.
func (d *Device) Fd() int { return d.fd }

// Info implements capture.Device.
func (d *Device) Info() capture.Info { return d.info }

// Start implements capture.Device: it hands every buffer to the
// driver and starts the stream.
func (d *Device) Start() error {
	req := requestBuffers{
		count:  uint32(len(d.bufs)),
		typ:    bufTypeVideoCapture,
		memory: memoryUserptr,
	}
	if err := ioctl(d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		if err == unix.EINVAL {
			return errors.E(errors.NotSupported, fmt.Sprintf("v4l2: %s does not support userptr i/o", d.path))
		}
		return errors.E(fmt.Sprintf("v4l2: %s: request buffers", d.path), err)
	}
	for i := range d.bufs {
		if err := d.qbuf(i); err != nil {
			return err
		}
		d.queued++
	}
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(d.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return errors.E(fmt.Sprintf("v4l2: %s: stream on", d.path), err)
	}
	return nil
}

func (d *Device) qbuf(i int) error {
	buf := buffer{
		index:  uint32(i),
		typ:    bufTypeVideoCapture,
		memory: memoryUserptr,
		m:      uintptr(unsafe.Pointer(&d.bufs[i][0])),
		length: uint32(len(d.bufs[i])),
	}
	if err := ioctl(d.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return errors.E(fmt.Sprintf("v4l2: %s: queue buffer %d", d.path, i), err)
	}
	return nil
}

// Dequeue implements capture.Device.
func (d *Device) Dequeue() (capture.Frame, error) {
	buf := buffer{typ: bufTypeVideoCapture, memory: memoryUserptr}
	if err := ioctl(d.fd, vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return capture.Frame{}, errors.E(fmt.Sprintf("v4l2: %s: dequeue", d.path), err)
	}
	d.queued--
	return capture.Frame{
		Index: int(buf.index),
		Data:  d.bufs[buf.index][:buf.bytesused],
		Time: frameidx.Timeval{
			Sec:  uint64(buf.timestamp.Sec),
			Usec: uint32(buf.timestamp.Usec),
		},
	}, nil
}

// Requeue implements capture.Device.
func (d *Device) Requeue(f capture.Frame) error {
	if err := d.qbuf(f.Index); err != nil {
		return err
	}
	d.queued++
	return nil
}

// Queued implements capture.Device.
func (d *Device) Queued() int { return d.queued }

// Close implements capture.Device.
func (d *Device) Close() error {
	log.Printf("v4l2: close %s", d.path)
	return unix.Close(d.fd)
}
