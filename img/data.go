package img

// Data is a labelled image set for one split. It implements the nnet.Data
// interface. When Trans is set inputs are augmented at read time.
type Data struct {
	Class  []string
	Dims   []int
	Labels []float32
	Images []*Image
	Trans  *Transformer
}

// NewData creates a new image set. All images must share one shape.
func NewData(classes []string, labels []float32, images []*Image) *Data {
	return &Data{
		Class:  append([]string{}, classes...),
		Dims:   images[0].Shape(),
		Labels: labels,
		Images: images,
	}
}

// Len returns the number of images.
func (d *Data) Len() int { return len(d.Labels) }

// Classes returns the class names in label order.
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width.
func (d *Data) Shape() []int { return d.Dims }

// Label copies the labels for the given images into out.
func (d *Data) Label(index []int, out []float32) {
	for i, ix := range index {
		out[i] = d.Labels[ix]
	}
}

// Input copies the pixel data for the given images into buf, applying the
// transformer when one is attached.
func (d *Data) Input(index []int, buf []float32) {
	nfeat := len(d.Images[0].Pix)
	if d.Trans == nil {
		for i, ix := range index {
			copy(buf[i*nfeat:], d.Images[ix].Pix)
		}
		return
	}
	temp := d.Trans.TransformBatch(d.Images, index)
	for i := range index {
		copy(buf[i*nfeat:], temp[i].Pix)
	}
}

// Slice returns a view on images from start to end.
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]float32{}, d.Labels[start:end]...)
	data.Images = append([]*Image{}, d.Images[start:end]...)
	return &data
}
