package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/zebrajack/SATNet/config"
)

// Field numbers of the subset of onnx.proto written and read here. A file
// produced by ONNXExporter is a valid ONNX ModelProto whose graph holds every
// tensor as an initializer.
const (
	modelIrVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetFieldDomain  protowire.Number = 1
	opsetFieldVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	dataTypeFloat = 1

	irVersion = 7
	opset     = 13
)

// optimizerPrefix marks initializers carrying optimizer state.
const optimizerPrefix = "optimizer/"

// onnxHeader is the non-tensor part of a checkpoint, stored as JSON in the
// model doc_string.
type onnxHeader struct {
	Config        *config.Config     `json:"config,omitempty"`
	TrainingState TrainingState      `json:"training_state"`
	Optimizer     *OptimizerState    `json:"optimizer,omitempty"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// ONNXExporter writes checkpoints as ONNX ModelProto files.
type ONNXExporter struct{}

func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX serializes checkpoint to path.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint as an ONNX ModelProto.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	header := onnxHeader{
		Config:        checkpoint.Config,
		TrainingState: checkpoint.TrainingState,
		Metadata:      checkpoint.Metadata,
	}
	if st := checkpoint.OptimizerState; st != nil {
		header.Optimizer = &OptimizerState{Type: st.Type, Parameters: st.Parameters}
	}
	doc, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint header: %w", err)
	}

	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "satnet")
	for _, w := range checkpoint.Weights {
		graph = appendInitializer(graph, w.Name, w.Shape, w.Data)
	}
	if st := checkpoint.OptimizerState; st != nil {
		for _, s := range st.StateData {
			graph = appendInitializer(graph, optimizerPrefix+s.StateType+"/"+s.Name, s.Shape, s.Data)
		}
	}

	var opsetID []byte
	opsetID = protowire.AppendTag(opsetID, opsetFieldDomain, protowire.BytesType)
	opsetID = protowire.AppendString(opsetID, "")
	opsetID = protowire.AppendTag(opsetID, opsetFieldVersion, protowire.VarintType)
	opsetID = protowire.AppendVarint(opsetID, opset)

	var b []byte
	b = protowire.AppendTag(b, modelIrVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, frameworkName)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, frameworkVersion)
	b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
	b = protowire.AppendBytes(b, doc)
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opsetID)
	return b, nil
}

func appendInitializer(b []byte, name string, shape []int, data []float32) []byte {
	var t []byte
	for _, d := range shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(int64(d)))
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, dataTypeFloat)

	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	t = protowire.AppendTag(t, tensorFloatData, protowire.BytesType)
	t = protowire.AppendBytes(t, packed)
	t = protowire.AppendTag(t, tensorName, protowire.BytesType)
	t = protowire.AppendString(t, name)

	b = protowire.AppendTag(b, graphInitializer, protowire.BytesType)
	return protowire.AppendBytes(b, t)
}

// ONNXImporter reads ONNX ModelProto files. Besides files written by
// ONNXExporter it accepts initializers stored as raw_data, the layout most
// exporters use.
type ONNXImporter struct{}

func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads a checkpoint from path.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return oi.Unmarshal(data)
}

// Unmarshal decodes an ONNX ModelProto. Unknown fields are skipped.
func (oi *ONNXImporter) Unmarshal(b []byte) (*Checkpoint, error) {
	ck := &Checkpoint{}
	var doc []byte
	var graph []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == modelDocString && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(v)
			doc = s
			return n, nil
		case num == modelGraph && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(v)
			graph = s
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	if len(doc) > 0 && doc[0] == '{' {
		var header onnxHeader
		if err := json.Unmarshal(doc, &header); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint header: %v: %w", err, ErrCorruptCheckpoint)
		}
		ck.Config = header.Config
		ck.TrainingState = header.TrainingState
		ck.Metadata = header.Metadata
		ck.OptimizerState = header.Optimizer
	}

	err = walk(graph, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != graphInitializer || typ != protowire.BytesType {
			return skip, nil
		}
		s, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return n, nil
		}
		name, shape, data, err := decodeTensor(s)
		if err != nil {
			return 0, fmt.Errorf("initializer %q: %w", name, err)
		}
		if rest, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			stateType, param, _ := strings.Cut(rest, "/")
			if ck.OptimizerState == nil {
				ck.OptimizerState = &OptimizerState{}
			}
			ck.OptimizerState.StateData = append(ck.OptimizerState.StateData, OptimizerTensor{
				Name:      param,
				Shape:     shape,
				Data:      data,
				StateType: stateType,
			})
			return n, nil
		}
		ck.Weights = append(ck.Weights, newWeightTensor(name, shape, data))
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: %w", err)
	}
	return ck, nil
}

// skip asks walk to step over the current field.
const skip = -1 << 30

// walk calls fn for each field of a message with the bytes following the
// tag. fn returns how many of them it consumed, a negative protowire error
// code, or skip.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%v: %w", protowire.ParseError(n), ErrCorruptCheckpoint)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(m), ErrCorruptCheckpoint)
		}
		b = b[m:]
	}
	return nil
}

func decodeTensor(b []byte) (name string, shape []int, data []float32, err error) {
	dataType := uint64(dataTypeFloat)
	var raw []byte
	hasRaw := false

	err = walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case tensorName:
			if typ != protowire.BytesType {
				return skip, nil
			}
			s, n := protowire.ConsumeString(v)
			name = s
			return n, nil
		case tensorDataType:
			if typ != protowire.VarintType {
				return skip, nil
			}
			x, n := protowire.ConsumeVarint(v)
			dataType = x
			return n, nil
		case tensorDims:
			switch typ {
			case protowire.VarintType:
				x, n := protowire.ConsumeVarint(v)
				shape = append(shape, int(int64(x)))
				return n, nil
			case protowire.BytesType:
				s, n := protowire.ConsumeBytes(v)
				for len(s) > 0 {
					x, m := protowire.ConsumeVarint(s)
					if m < 0 {
						return m, nil
					}
					shape = append(shape, int(int64(x)))
					s = s[m:]
				}
				return n, nil
			}
		case tensorFloatData:
			switch typ {
			case protowire.Fixed32Type:
				x, n := protowire.ConsumeFixed32(v)
				data = append(data, math.Float32frombits(x))
				return n, nil
			case protowire.BytesType:
				s, n := protowire.ConsumeBytes(v)
				if len(s)%4 != 0 {
					return 0, fmt.Errorf("packed float_data of %d bytes: %w", len(s), ErrCorruptCheckpoint)
				}
				for i := 0; i < len(s); i += 4 {
					data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(s[i:])))
				}
				return n, nil
			}
		case tensorRawData:
			if typ != protowire.BytesType {
				return skip, nil
			}
			s, n := protowire.ConsumeBytes(v)
			raw, hasRaw = s, true
			return n, nil
		}
		return skip, nil
	})
	if err != nil {
		return name, nil, nil, err
	}
	if dataType != dataTypeFloat {
		return name, nil, nil, fmt.Errorf("data type %d is not FLOAT: %w", dataType, ErrCorruptCheckpoint)
	}
	if hasRaw {
		if len(raw)%4 != 0 {
			return name, nil, nil, fmt.Errorf("raw_data of %d bytes: %w", len(raw), ErrCorruptCheckpoint)
		}
		data = make([]float32, len(raw)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	if shape == nil {
		shape = []int{}
	}
	if data == nil {
		data = []float32{}
	}
	return name, shape, data, nil
}
