package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/vaseramin777/gpt-neox/indexed"
	"github.com/vaseramin777/gpt-neox/types"
	"github.com/yargevad/filepathx"
	"k8s.io/klog/v2"
)

type PathInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// GlobTokens
// Given a directory path, recursively finds all files ending in one of
// `extensions`, returning a slice of PathInfo.
func GlobTokens(dirPath string, extensions []string) (pathInfos []PathInfo,
	err error) {
	for _, ext := range extensions {
		matches, globErr := filepathx.Glob(dirPath + "/**/*" + ext)
		if globErr != nil {
			return nil, globErr
		}
		for _, match := range matches {
			stat, statErr := os.Stat(match)
			if statErr != nil {
				return nil, statErr
			}
			if stat.IsDir() {
				continue
			}
			pathInfos = append(pathInfos, PathInfo{
				Path:    match,
				Size:    stat.Size(),
				ModTime: stat.ModTime(),
			})
		}
	}
	if len(pathInfos) == 0 {
		return nil, errors.Errorf("%s does not contain any %s files",
			dirPath, strings.Join(extensions, " or "))
	}
	return pathInfos, nil
}

func SortPathInfoBySize(pathInfos []PathInfo, ascending bool) {
	sort.SliceStable(pathInfos, func(i, j int) bool {
		if ascending {
			return pathInfos[i].Size < pathInfos[j].Size
		}
		return pathInfos[i].Size > pathInfos[j].Size
	})
}

func SortPathInfoByPath(pathInfos []PathInfo, ascending bool) {
	sort.SliceStable(pathInfos, func(i, j int) bool {
		if ascending {
			return pathInfos[i].Path < pathInfos[j].Path
		}
		return pathInfos[i].Path > pathInfos[j].Path
	})
}

func ShufflePathInfos(pathInfos []PathInfo, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(pathInfos), func(i, j int) {
		pathInfos[i], pathInfos[j] = pathInfos[j], pathInfos[i]
	})
}

// OrderPaths applies a -reorder mode to the input files. Paths are sorted
// ascending when no mode is given, so conversions are reproducible.
func OrderPaths(pathInfos []PathInfo, sortSpec string, seed uint64) error {
	switch sortSpec {
	case "", "path_ascending":
		SortPathInfoByPath(pathInfos, true)
	case "path_descending":
		SortPathInfoByPath(pathInfos, false)
	case "size_ascending":
		SortPathInfoBySize(pathInfos, true)
	case "size_descending":
		SortPathInfoBySize(pathInfos, false)
	case "shuffle", "random":
		SortPathInfoByPath(pathInfos, true)
		ShufflePathInfos(pathInfos, seed)
	default:
		return errors.Errorf("invalid sort order: %s", sortSpec)
	}
	return nil
}

// Converter splits token streams into documents and appends them to an
// indexed dataset.
type Converter struct {
	Builder *indexed.Builder
	// InputDType is the element type of flat token files.
	InputDType types.DType
	// EndOfText closes a document and is kept as its last token. Negative
	// disables splitting; each input then becomes one document.
	EndOfText int32
	// Padding tokens are dropped. Negative keeps every token.
	Padding int32

	doc       []int32
	Documents int
	Tokens    int64
}

func (c *Converter) flush() error {
	if len(c.doc) == 0 {
		return nil
	}
	if err := c.Builder.AddTokens(c.doc); err != nil {
		return err
	}
	c.Builder.EndDocument()
	c.Documents++
	c.Tokens += int64(len(c.doc))
	c.doc = c.doc[:0]
	return nil
}

func (c *Converter) push(tokens []int32) error {
	for _, token := range tokens {
		if c.Padding >= 0 && token == c.Padding {
			continue
		}
		c.doc = append(c.doc, token)
		if c.EndOfText >= 0 && token == c.EndOfText {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFlat consumes a file of little-endian tokens.
func (c *Converter) ReadFlat(r io.Reader) error {
	size := c.InputDType.Size()
	buf := make([]byte, size*64*1024)
	for {
		n, err := io.ReadFull(r, buf)
		if n%size != 0 {
			return errors.Errorf("token stream ends mid-token (%d stray "+
				"bytes)", n%size)
		}
		if n > 0 {
			tokens, decodeErr := types.FromBin[int32](buf[:n], c.InputDType)
			if decodeErr != nil {
				return decodeErr
			}
			if pushErr := c.push(tokens); pushErr != nil {
				return pushErr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if c.EndOfText < 0 {
		return c.flush()
	}
	return nil
}

// ReadJSONL consumes one token array per line, either bare (`[1, 2]`) or as
// the `tokens` field of an object. Every line closes a document.
func (c *Converter) ReadJSONL(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 256*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var tokens []int32
		if strings.HasPrefix(raw, "{") {
			var record struct {
				Tokens []int32 `json:"tokens"`
			}
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				return errors.Wrapf(err, "line %d", line)
			}
			tokens = record.Tokens
		} else if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
			return errors.Wrapf(err, "line %d", line)
		}
		if err := c.push(tokens); err != nil {
			return err
		}
		if err := c.flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Convert reads every path in order, reporting progress over their total
// size. Documents may span flat files; the last one is closed at the end.
func (c *Converter) Convert(paths []PathInfo, showProgress bool) error {
	var total int64
	for _, path := range paths {
		total += path.Size
	}
	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.DefaultBytes(total, "converting")
	}
	for _, path := range paths {
		file, err := os.Open(path.Path)
		if err != nil {
			return err
		}
		var r io.Reader = file
		if bar != nil {
			r = io.TeeReader(file, bar)
		}
		if strings.HasSuffix(path.Path, ".jsonl") {
			err = c.ReadJSONL(r)
		} else {
			err = c.ReadFlat(r)
		}
		_ = file.Close()
		if err != nil {
			return errors.WithMessage(err, path.Path)
		}
		klog.V(1).Infof("read %s, %s documents so far", path.Path,
			humanize.Comma(int64(c.Documents)))
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return c.flush()
}

func main() {
	klog.InitFlags(nil)
	inputDir := flag.String("input", "",
		"directory to recursively search for token files")
	outputPrefix := flag.String("output", "",
		"indexed dataset prefix to write (.bin/.idx are appended)")
	extensions := flag.String("extensions", ".tokens,.chunk,.jsonl",
		"comma separated file extensions to convert")
	in32 := flag.Bool("in32", false,
		"read flat token files as 32-bit instead of 16-bit")
	outputDType := flag.String("dtype", "uint16",
		"element type of the written dataset [uint16, int32]")
	endOfText := flag.Int("eot", 50256,
		"token that ends a document, -1 to not split")
	padToken := flag.Int("pad", -1, "token to drop, -1 to keep all tokens")
	reorderPaths := flag.String("reorder", "",
		"input order [path_ascending, path_descending, size_ascending, "+
			"size_descending, shuffle]")
	seed := flag.Uint64("seed", 1234, "seed for -reorder shuffle")
	quiet := flag.Bool("quiet", false, "do not show a progress bar")
	flag.Parse()
	defer klog.Flush()

	if *inputDir == "" || *outputPrefix == "" {
		flag.Usage()
		klog.Exitf("must provide -input and -output")
	}
	dtype, err := types.ParseDType(*outputDType)
	if err != nil {
		klog.Exitf("invalid -dtype: %v", err)
	}
	inputDType := types.Uint16
	if *in32 {
		inputDType = types.Uint32
	}

	paths, err := GlobTokens(*inputDir, strings.Split(*extensions, ","))
	if err != nil {
		klog.Exitf("%v", err)
	}
	if err = OrderPaths(paths, *reorderPaths, *seed); err != nil {
		klog.Exitf("%v", err)
	}
	if err = os.MkdirAll(filepath.Dir(*outputPrefix), 0755); err != nil {
		klog.Exitf("%v", err)
	}
	builder, err := indexed.NewBuilder(*outputPrefix, dtype)
	if err != nil {
		klog.Exitf("%v", err)
	}

	start := time.Now()
	converter := &Converter{
		Builder:    builder,
		InputDType: inputDType,
		EndOfText:  int32(*endOfText),
		Padding:    int32(*padToken),
	}
	if err = converter.Convert(paths, !*quiet); err != nil {
		klog.Exitf("error converting: %v", err)
	}
	if err = builder.Finalize(); err != nil {
		klog.Exitf("error writing index: %v", err)
	}
	klog.Infof("wrote %s documents, %s tokens from %d files to %s in %s",
		humanize.Comma(int64(converter.Documents)),
		humanize.Comma(converter.Tokens), len(paths), *outputPrefix,
		time.Since(start).Round(time.Millisecond))
}
