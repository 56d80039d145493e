package protocol

import "fmt"

// Handshake is the first message a client sends on a new connection.
type Handshake struct {
	Version  string
	Revision string
	Name     string
}

func (h *Handshake) MarshalBinary() ([]byte, error) {
	w := Writer{}
	w.WriteString(h.Version)
	w.WriteString(h.Revision)
	w.WriteString(h.Name)
	return w.Bytes(), nil
}

func (h *Handshake) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	var err error
	if h.Version, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read version: %w", err)
	}
	if h.Revision, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read revision: %w", err)
	}
	if h.Name, err = r.ReadString(); err != nil {
		return fmt.Errorf("could not read name: %w", err)
	}
	return nil
}
