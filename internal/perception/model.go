package perception

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformedModel is returned (wrapped) when a model's topology cannot be
// used for SSD detection.
var ErrMalformedModel = errors.New("malformed model")

// maxTopologyBytes caps how much of a topology file is parsed.
const maxTopologyBytes = 64 << 20

// Model is a loaded SSD detection network: its single input and output, the
// class count, and the reconciled label table.
type Model struct {
	Name        string
	XMLPath     string
	WeightsPath string

	InputName  string
	InputDims  []int // N, C, H, W
	OutputName string
	OutputDims []int // 1, 1, proposals, 7

	NumClasses   int
	MaxProposals int
	Labels       []string
}

// InputSize returns the network input width and height.
func (m *Model) InputSize() (int, int) {
	return m.InputDims[3], m.InputDims[2]
}

type irNet struct {
	Name   string    `xml:"name,attr"`
	Layers []irLayer `xml:"layers>layer"`
	Edges  []irEdge  `xml:"edges>edge"`
}

type irLayer struct {
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
	Type    string   `xml:"type,attr"`
	Data    irData   `xml:"data"`
	Outputs []irPort `xml:"output>port"`
}

type irData struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

func (d irData) get(name string) (string, bool) {
	for _, a := range d.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

type irPort struct {
	ID   string   `xml:"id,attr"`
	Dims []string `xml:"dim"`
}

type irEdge struct {
	FromLayer string `xml:"from-layer,attr"`
	ToLayer   string `xml:"to-layer,attr"`
}

// LoadModel reads an IR topology file, checks its weights file exists beside
// it, and validates that the network has one input and one SSD output of
// shape [1, 1, proposals, 7]. An empty labelPath reads "<model>.labels" if
// present.
func LoadModel(xmlPath, labelPath string) (*Model, error) {
	f, err := os.Open(xmlPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open topology: %v", ErrMalformedModel, err)
	}
	defer f.Close()

	var net irNet
	if err := xml.NewDecoder(io.LimitReader(f, maxTopologyBytes)).Decode(&net); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedModel, xmlPath, err)
	}

	base := strings.TrimSuffix(xmlPath, ".xml")
	weights := base + ".bin"
	if _, err := os.Stat(weights); err != nil {
		return nil, fmt.Errorf("%w: weights: %v", ErrMalformedModel, err)
	}

	m, err := parseTopology(&net)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedModel, xmlPath, err)
	}
	m.XMLPath = xmlPath
	m.WeightsPath = weights

	if labelPath == "" {
		labelPath = base + ".labels"
	}
	labels, err := LoadLabels(labelPath)
	if err != nil {
		return nil, err
	}
	m.Labels = ReconcileLabels(labels, m.NumClasses)
	return m, nil
}

func parseTopology(net *irNet) (*Model, error) {
	byID := make(map[string]*irLayer, len(net.Layers))
	for i := range net.Layers {
		byID[net.Layers[i].ID] = &net.Layers[i]
	}

	// A layer feeds something other than a Result if it has such an edge.
	feeds := make(map[string]bool)
	for _, e := range net.Edges {
		if to, ok := byID[e.ToLayer]; ok && to.Type != "Result" {
			feeds[e.FromLayer] = true
		}
	}

	var inputs, outputs []*irLayer
	for i := range net.Layers {
		l := &net.Layers[i]
		switch l.Type {
		case "Input", "Parameter":
			inputs = append(inputs, l)
		case "Result", "Const":
		default:
			if !feeds[l.ID] {
				outputs = append(outputs, l)
			}
		}
	}

	if len(inputs) != 1 {
		return nil, fmt.Errorf("want exactly one input, got %d", len(inputs))
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("want exactly one output, got %d", len(outputs))
	}
	in, out := inputs[0], outputs[0]

	inDims, err := portDims(in)
	if err != nil {
		return nil, fmt.Errorf("input %s: %v", in.Name, err)
	}
	if len(inDims) != 4 {
		return nil, fmt.Errorf("input %s has rank %d, want 4 (NCHW)", in.Name, len(inDims))
	}

	outDims, err := portDims(out)
	if err != nil {
		return nil, fmt.Errorf("output %s: %v", out.Name, err)
	}
	if len(outDims) != 4 {
		return nil, fmt.Errorf("output %s has rank %d, want 4", out.Name, len(outDims))
	}
	if outDims[3] != SSDObjectSize {
		return nil, fmt.Errorf("output %s last dimension is %d, want %d", out.Name, outDims[3], SSDObjectSize)
	}

	raw, ok := out.Data.get("num_classes")
	if !ok {
		return nil, fmt.Errorf("output %s has no num_classes", out.Name)
	}
	numClasses, err := strconv.Atoi(raw)
	if err != nil || numClasses <= 0 {
		return nil, fmt.Errorf("output %s has invalid num_classes %q", out.Name, raw)
	}

	return &Model{
		Name:         net.Name,
		InputName:    in.Name,
		InputDims:    inDims,
		OutputName:   out.Name,
		OutputDims:   outDims,
		NumClasses:   numClasses,
		MaxProposals: outDims[2],
	}, nil
}

func portDims(l *irLayer) ([]int, error) {
	if len(l.Outputs) == 0 {
		return nil, errors.New("no output port")
	}
	p := l.Outputs[0]
	dims := make([]int, len(p.Dims))
	for i, s := range p.Dims {
		d, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("port %s has invalid dim %q", p.ID, s)
		}
		dims[i] = d
	}
	return dims, nil
}
