package sink

import (
	"encoding/json"
	"os"

	"cubesat-fsw/internal/telemetry"
)

// FileWriter writes frames to a JSONL file. Frames of the command channel can
// be split into a separate file for ground review.
type FileWriter struct {
	frameFile   *os.File
	commandFile *os.File
	frameEnc    *json.Encoder
	commandEnc  *json.Encoder
}

// NewFileWriter creates a FileWriter. commandPath may be empty to keep
// command frames in the main file.
func NewFileWriter(framePath, commandPath string) (*FileWriter, error) {
	ff, err := os.Create(framePath)
	if err != nil {
		return nil, err
	}
	fw := &FileWriter{frameFile: ff, frameEnc: json.NewEncoder(ff)}
	if commandPath != "" {
		cf, err := os.Create(commandPath)
		if err != nil {
			ff.Close()
			return nil, err
		}
		fw.commandFile = cf
		fw.commandEnc = json.NewEncoder(cf)
	}
	return fw, nil
}

func (f *FileWriter) Write(fr telemetry.Frame) error {
	if fr.Channel == telemetry.ChannelCommand && f.commandEnc != nil {
		return f.commandEnc.Encode(fr)
	}
	return f.frameEnc.Encode(fr)
}

func (f *FileWriter) WriteBatch(frames []telemetry.Frame) error {
	for _, fr := range frames {
		if err := f.Write(fr); err != nil {
			return err
		}
	}
	return nil
}

// Close closes any underlying files.
func (f *FileWriter) Close() error {
	var err error
	if f.frameFile != nil {
		if e := f.frameFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	if f.commandFile != nil {
		if e := f.commandFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
