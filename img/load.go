package img

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
)

// Directory layout expected under the dataset root.
var (
	Splits  = []string{"train", "test", "val"}
	Classes = []string{"NORMAL", "PNEUMONIA"}
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// DataLoadError indicates a dataset directory which does not match the
// expected split/class layout or contains no readable images.
type DataLoadError struct {
	Path string
	Err  error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("data load error: %s: %s", e.Path, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }

// LoadDataDir reads the full dataset from root, which must contain train,
// test and val subdirectories each holding one folder per class. Images are
// resized to size x size with the given number of channels.
func LoadDataDir(root string, size, channels int) (map[string]*Data, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, &DataLoadError{Path: root, Err: errors.New("dataset root is not a directory")}
	}
	sets := make(map[string]*Data)
	for _, split := range Splits {
		d, err := LoadSplit(filepath.Join(root, split), size, channels)
		if err != nil {
			return nil, err
		}
		sets[split] = d
	}
	return sets, nil
}

// LoadSplit reads one split directory with one subfolder per class. Labels
// are assigned by class order: NORMAL=0, PNEUMONIA=1.
func LoadSplit(dir string, size, channels int) (*Data, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &DataLoadError{Path: dir, Err: errors.New("missing split directory")}
	}
	var images []*Image
	var labels []float32
	for class, name := range Classes {
		files, err := listImages(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			m, err := LoadImage(file, size, channels)
			if err != nil {
				return nil, &DataLoadError{Path: file, Err: err}
			}
			images = append(images, m)
			labels = append(labels, float32(class))
		}
	}
	log.Debug().Str("dir", dir).Int("images", len(images)).Msg("loaded split")
	return NewData(Classes, labels, images), nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DataLoadError{Path: dir, Err: errors.New("missing class directory")}
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, &DataLoadError{Path: dir, Err: errors.New("no readable images in class directory")}
	}
	sort.Strings(files)
	return files, nil
}

// LoadImage decodes a single image file and resamples it to size x size.
func LoadImage(path string, size, channels int) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return Resize(src, size, size, channels), nil
}

// Resize scales a decoded image to the target geometry with bilinear
// interpolation and converts it to float32 planes.
func Resize(src image.Image, width, height, channels int) *Image {
	b := src.Bounds()
	if b.Dx() != width || b.Dy() != height {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
		src = dst
	}
	return FromImage(src, channels)
}
