package platform

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ST7789 commands.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdNORON   = 0x13
	cmdINVON   = 0x21
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A
)

// spidev refuses longer transfers.
const spiChunk = 4096

// st7789 drives the 240x135 panel in landscape orientation.
type st7789 struct {
	mu      sync.Mutex
	port    spi.PortCloser
	conn    spi.Conn
	dc      gpio.PinOut
	rst     gpio.PinOut
	width   int
	height  int
	xOffset int
	yOffset int
}

func newST7789(port spi.PortCloser, freq physic.Frequency, dc, rst gpio.PinOut, width, height, xOffset, yOffset int) (*st7789, error) {
	conn, err := port.Connect(freq, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to screen: %w", err)
	}
	d := &st7789{
		port:    port,
		conn:    conn,
		dc:      dc,
		rst:     rst,
		width:   width,
		height:  height,
		xOffset: xOffset,
		yOffset: yOffset,
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *st7789) init() error {
	if d.rst != nil {
		d.rst.Out(gpio.High)
		time.Sleep(10 * time.Millisecond)
		d.rst.Out(gpio.Low)
		time.Sleep(10 * time.Millisecond)
		d.rst.Out(gpio.High)
		time.Sleep(120 * time.Millisecond)
	}
	steps := []struct {
		cmd   byte
		data  []byte
		delay time.Duration
	}{
		{cmdSWRESET, nil, 150 * time.Millisecond},
		{cmdSLPOUT, nil, 10 * time.Millisecond},
		{cmdCOLMOD, []byte{0x55}, 10 * time.Millisecond},
		// row/column exchange plus mirroring: landscape
		{cmdMADCTL, []byte{0x60}, 0},
		{cmdINVON, nil, 10 * time.Millisecond},
		{cmdNORON, nil, 10 * time.Millisecond},
		{cmdDISPON, nil, 100 * time.Millisecond},
	}
	for _, s := range steps {
		if err := d.command(s.cmd, s.data); err != nil {
			return fmt.Errorf("screen init command %#x: %w", s.cmd, err)
		}
		time.Sleep(s.delay)
	}
	return nil
}

func (d *st7789) command(cmd byte, data []byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.conn.Tx([]byte{cmd}, nil); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return d.write(data)
}

func (d *st7789) write(data []byte) error {
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), spiChunk)
		if err := d.conn.Tx(data[:n], nil); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (d *st7789) window(x0, y0, x1, y1 int) error {
	if x0 < 0 || y0 < 0 || x1 >= d.width || y1 >= d.height || x0 > x1 || y0 > y1 {
		return fmt.Errorf("%w: window (%d,%d)-(%d,%d) outside %dx%d", ErrOutOfRange, x0, y0, x1, y1, d.width, d.height)
	}
	x0, x1 = x0+d.xOffset, x1+d.xOffset
	y0, y1 = y0+d.yOffset, y1+d.yOffset
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:], uint16(x0))
	binary.BigEndian.PutUint16(buf[2:], uint16(x1))
	if err := d.command(cmdCASET, buf); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(buf[0:], uint16(y0))
	binary.BigEndian.PutUint16(buf[2:], uint16(y1))
	if err := d.command(cmdRASET, buf); err != nil {
		return err
	}
	return d.command(cmdRAMWR, nil)
}

func (d *st7789) Size() (int, int) {
	return d.width, d.height
}

func (d *st7789) Block(x0, y0, x1, y1 int, data []byte) error {
	want := (x1 - x0 + 1) * (y1 - y0 + 1) * 2
	if len(data) != want {
		return fmt.Errorf("%w: got %d bytes of pixel data, want %d", ErrOutOfRange, len(data), want)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.window(x0, y0, x1, y1); err != nil {
		return err
	}
	return d.write(data)
}

func (d *st7789) Fill(color uint16, x, y, w, h int) error {
	if w <= 0 || h <= 0 {
		return nil
	}
	return d.Block(x, y, x+w-1, y+h-1, solid(color, w*h))
}

func (d *st7789) Pixel(x, y int, color uint16) error {
	return d.Block(x, y, x, y, solid(color, 1))
}

func (d *st7789) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port.Close()
}

// solid returns n big endian RGB565 pixels of one color.
func solid(color uint16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], color)
	}
	return buf
}
