package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/zebrajack/SATNet/checkpoints"
	"github.com/zebrajack/SATNet/config"
	"github.com/zebrajack/SATNet/engine"
	"github.com/zebrajack/SATNet/lift"
	"github.com/zebrajack/SATNet/model"
	"github.com/zebrajack/SATNet/vision/preprocessing"
)

// options collects the command line.
type options struct {
	configPath     string
	weightsPath    string
	colorPath      string
	depthPath      string
	correspondence string
	outputPath     string
	summary        bool
}

// result is the JSON written to the output file.
type result struct {
	Grid      [3]int  `json:"grid"`
	Classes   []int32 `json:"classes"`
	Histogram []int   `json:"histogram"`
	Observed  int     `json:"observed_voxels"`
}

func main() {
	parser := argparse.NewParser("sscpredict", "Predict a semantic voxel grid from a color and an HHA depth image")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Model config JSON (defaults when omitted)", Required: false, Default: ""})
	weights := parser.String("w", "weights", &argparse.Options{Help: "Checkpoint file (.json or .onnx)", Required: false, Default: ""})
	color := parser.String("", "color", &argparse.Options{Help: "Color image (PNG or JPEG)", Required: true})
	depth := parser.String("", "depth", &argparse.Options{Help: "HHA depth image (PNG or JPEG)", Required: true})
	corr := parser.String("m", "mapping", &argparse.Options{Help: "Pixel to voxel correspondence: little-endian int32 per native pixel, -1 when unmapped", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output JSON file", Required: true})
	summary := parser.Flag("s", "summary", &argparse.Options{Help: "Print the model summary"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	err = run(logger, options{
		configPath:     *configPath,
		weightsPath:    *weights,
		colorPath:      *color,
		depthPath:      *depth,
		correspondence: *corr,
		outputPath:     *output,
		summary:        *summary,
	})
	if err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(log logs.Log, opt options) error {
	cfg := config.DefaultConfig()
	if opt.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(opt.configPath); err != nil {
			return err
		}
	}

	m, err := model.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}
	if opt.summary {
		fmt.Print(m.Summary())
	}

	ie, err := engine.NewInferenceEngine(m, log)
	if err != nil {
		return err
	}
	if opt.weightsPath != "" {
		saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(opt.weightsPath), log)
		ck, err := saver.LoadCheckpoint(opt.weightsPath)
		if err != nil {
			return err
		}
		if err := ie.LoadWeights(ck); err != nil {
			return err
		}
	} else {
		log.Warnf("No weights given, predicting with randomly initialized weights")
	}

	device := m.Device
	colorProc, err := preprocessing.NewImageProcessor(cfg.WorkingWidth, cfg.WorkingHeight, preprocessing.ColorNormalization, device)
	if err != nil {
		return err
	}
	depthProc, err := preprocessing.NewImageProcessor(cfg.WorkingWidth, cfg.WorkingHeight, preprocessing.HHANormalization, device)
	if err != nil {
		return err
	}
	colorImg, err := colorProc.LoadFile(opt.colorPath)
	if err != nil {
		return fmt.Errorf("color image: %w", err)
	}
	depthImg, err := depthProc.LoadFile(opt.depthPath)
	if err != nil {
		return fmt.Errorf("depth image: %w", err)
	}

	voxelOfPixel, err := readCorrespondence(opt.correspondence, cfg.NativePixels())
	if err != nil {
		return err
	}
	lm, err := m.BuildLiftMap(voxelOfPixel)
	if err != nil {
		return err
	}
	log.Infof("Lift map reaches %d of %d voxels", lm.Observed(), lm.Len())

	colorBatch, err := colorImg.Reshape(append([]int{1}, colorImg.Shape...))
	if err != nil {
		return err
	}
	depthBatch, err := depthImg.Reshape(append([]int{1}, depthImg.Shape...))
	if err != nil {
		return err
	}
	pred, err := ie.Predict(colorBatch, depthBatch, []*lift.LiftMap{lm})
	if err != nil {
		return err
	}

	out := result{
		Grid:      pred.Grid,
		Classes:   pred.Classes,
		Histogram: pred.Histogram(cfg.NumClasses),
		Observed:  lm.Observed(),
	}
	f, err := os.Create(opt.outputPath)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(f)
	if err := encoder.Encode(out); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", opt.outputPath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infof("Wrote prediction for grid %v to %s", pred.Grid, opt.outputPath)
	return nil
}

// readCorrespondence loads one little-endian int32 per native pixel.
func readCorrespondence(path string, pixels int) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	voxelOfPixel := make([]int32, pixels)
	if err := binary.Read(f, binary.LittleEndian, voxelOfPixel); err != nil {
		return nil, fmt.Errorf("%s: expected %d int32 entries: %w", path, pixels, err)
	}
	var extra [1]byte
	if n, _ := f.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%s: more than %d int32 entries", path, pixels)
	}
	return voxelOfPixel, nil
}
