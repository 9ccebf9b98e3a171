// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net"
	"os"
	"time"
)

type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// Or returns d, or dflt when d is not positive.
func (d Duration) Or(dflt time.Duration) time.Duration {
	if d.Duration <= 0 {
		return dflt
	}
	return d.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type TCPAddr struct {
	*net.TCPAddr
}

func mustTCPAddr(s string) TCPAddr {
	var addr TCPAddr
	if err := addr.UnmarshalText([]byte(s)); err != nil {
		panic(err)
	}
	return addr
}

func (addr TCPAddr) AsTCPAddr() *net.TCPAddr {
	return addr.TCPAddr
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	expanded := os.ExpandEnv(string(text))
	parsed, err := net.ResolveTCPAddr("tcp", expanded)
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}
