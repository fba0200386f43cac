// Package fixelio reads and writes fixel directories and the NIfTI images
// they are made of.
//
// A fixel directory holds an index image (X,Y,Z,2: per-voxel fixel count and
// offset), a directions image (N,3,1) and any number of per-fixel data
// images (N,1,1). Images may be NIfTI-1 or NIfTI-2, optionally gzipped.
package fixelio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"fixelcorrespondence/internal/models"
)

var (
	// ErrNotNIfTI is returned when a file carries neither NIfTI header
	ErrNotNIfTI = errors.New("fixelio: not a NIfTI image")

	// ErrUnsupportedDatatype is returned for NIfTI datatypes outside the supported set
	ErrUnsupportedDatatype = errors.New("fixelio: unsupported NIfTI datatype")
)

// Datatype is a NIfTI datatype code
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Uint32  Datatype = 768
	Int64   Datatype = 1024
	Uint64  Datatype = 1280
)

// Size returns the number of bytes of one element
func (d Datatype) Size() int {
	switch d {
	case Uint8:
		return 1
	case Int16:
		return 2
	case Int32, Float32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	}
	return 0
}

const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
	nifti1VoxOffset  = 352
	nifti2VoxOffset  = 544
	maxNIfTI1Dim     = math.MaxInt16
)

var (
	nifti1Magic = [4]byte{'n', '+', '1', 0}
	nifti2Magic = [8]byte{'n', '+', '2', 0, '\r', '\n', 0x1a, '\n'}
)

type nifti1Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

type nifti2Header struct {
	SizeofHdr     int32
	Magic         [8]byte
	Datatype      int16
	Bitpix        int16
	Dim           [8]int64
	IntentP1      float64
	IntentP2      float64
	IntentP3      float64
	Pixdim        [8]float64
	VoxOffset     int64
	SclSlope      float64
	SclInter      float64
	CalMax        float64
	CalMin        float64
	SliceDuration float64
	TOffset       float64
	SliceStart    int64
	SliceEnd      int64
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int32
	SformCode     int32
	QuaternB      float64
	QuaternC      float64
	QuaternD      float64
	QoffsetX      float64
	QoffsetY      float64
	QoffsetZ      float64
	SrowX         [4]float64
	SrowY         [4]float64
	SrowZ         [4]float64
	SliceCode     int32
	XYZTUnits     int32
	IntentCode    int32
	IntentName    [16]byte
	DimInfo       byte
	UnusedStr     [15]byte
}

// Image is a NIfTI image held in memory with values widened to float64
type Image struct {
	// Dims lists the size of each axis (at least 3 entries)
	Dims []int

	// Pixdim holds the voxel size along each axis
	Pixdim []float64

	// Transform is the voxel-to-scanner affine
	Transform [3][4]float64

	// Datatype is the on-disk element type
	Datatype Datatype

	// Data holds the values in NIfTI order (first axis fastest)
	Data []float64
}

// NewImage allocates a zero-filled image with an identity transform
func NewImage(dt Datatype, dims ...int) *Image {
	for len(dims) < 3 {
		dims = append(dims, 1)
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	img := &Image{
		Dims:     dims,
		Pixdim:   make([]float64, len(dims)),
		Datatype: dt,
		Data:     make([]float64, n),
	}
	for i := range img.Pixdim {
		img.Pixdim[i] = 1
	}
	img.Transform = models.IdentityGrid(1, 1, 1).Transform
	return img
}

// Grid returns the spatial grid of the first three axes
func (img *Image) Grid() models.Grid {
	return models.Grid{
		Dims:      [3]int{img.Dims[0], img.Dims[1], img.Dims[2]},
		Transform: img.Transform,
	}
}

// SetGrid copies the spatial transform of g, leaving dimensions untouched
func (img *Image) SetGrid(g models.Grid) {
	img.Transform = g.Transform
	for i := 0; i < 3 && i < len(img.Pixdim); i++ {
		col := [3]float64{g.Transform[0][i], g.Transform[1][i], g.Transform[2][i]}
		img.Pixdim[i] = math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
	}
}

// At returns the value at the given coordinates (missing trailing axes are 0)
func (img *Image) At(coords ...int) float64 {
	return img.Data[img.offset(coords)]
}

// Set stores a value at the given coordinates
func (img *Image) Set(value float64, coords ...int) {
	img.Data[img.offset(coords)] = value
}

func (img *Image) offset(coords []int) int {
	idx, stride := 0, 1
	for i, c := range coords {
		idx += c * stride
		stride *= img.Dims[i]
	}
	return idx
}

// ReadImage loads a NIfTI-1 or NIfTI-2 image; ".gz" files are decompressed
func ReadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	img, err := decodeImage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return img, nil
}

func decodeImage(r io.Reader) (*Image, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	size := int32(order.Uint32(sizeBuf[:]))
	if size != nifti1HeaderSize && size != nifti2HeaderSize {
		order = binary.BigEndian
		size = int32(order.Uint32(sizeBuf[:]))
	}

	full := io.MultiReader(bytes.NewReader(sizeBuf[:]), r)
	var (
		img       *Image
		voxOffset int64
		headerLen int64
		slope     float64
		inter     float64
	)
	switch size {
	case nifti1HeaderSize:
		var h nifti1Header
		if err := binary.Read(full, order, &h); err != nil {
			return nil, err
		}
		if h.Magic != nifti1Magic {
			return nil, ErrNotNIfTI
		}
		n := int(h.Dim[0])
		if n < 1 || n > 7 {
			return nil, fmt.Errorf("%w: invalid rank %d", ErrNotNIfTI, n)
		}
		img = &Image{Datatype: Datatype(h.Datatype)}
		for i := 1; i <= n; i++ {
			img.Dims = append(img.Dims, int(h.Dim[i]))
			img.Pixdim = append(img.Pixdim, float64(h.Pixdim[i]))
		}
		for c := 0; c < 4; c++ {
			img.Transform[0][c] = float64(h.SrowX[c])
			img.Transform[1][c] = float64(h.SrowY[c])
			img.Transform[2][c] = float64(h.SrowZ[c])
		}
		voxOffset, headerLen = int64(h.VoxOffset), nifti1HeaderSize
		slope, inter = float64(h.SclSlope), float64(h.SclInter)
	case nifti2HeaderSize:
		var h nifti2Header
		if err := binary.Read(full, order, &h); err != nil {
			return nil, err
		}
		if h.Magic != nifti2Magic {
			return nil, ErrNotNIfTI
		}
		n := int(h.Dim[0])
		if n < 1 || n > 7 {
			return nil, fmt.Errorf("%w: invalid rank %d", ErrNotNIfTI, n)
		}
		img = &Image{Datatype: Datatype(h.Datatype)}
		for i := 1; i <= n; i++ {
			img.Dims = append(img.Dims, int(h.Dim[i]))
			img.Pixdim = append(img.Pixdim, h.Pixdim[i])
		}
		img.Transform = [3][4]float64{h.SrowX, h.SrowY, h.SrowZ}
		voxOffset, headerLen = h.VoxOffset, nifti2HeaderSize
		slope, inter = h.SclSlope, h.SclInter
	default:
		return nil, ErrNotNIfTI
	}
	for len(img.Dims) < 3 {
		img.Dims = append(img.Dims, 1)
		img.Pixdim = append(img.Pixdim, 1)
	}
	if img.Datatype.Size() == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, img.Datatype)
	}

	if skip := voxOffset - headerLen; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("failed to skip header extension: %w", err)
		}
	}

	n := 1
	for _, d := range img.Dims {
		n *= d
	}
	raw := make([]byte, n*img.Datatype.Size())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}
	img.Data = make([]float64, n)
	decodeValues(raw, img.Datatype, order, img.Data)

	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range img.Data {
			img.Data[i] = img.Data[i]*slope + inter
		}
	}
	return img, nil
}

func decodeValues(raw []byte, dt Datatype, order binary.ByteOrder, out []float64) {
	sz := dt.Size()
	for i := range out {
		b := raw[i*sz : (i+1)*sz]
		switch dt {
		case Uint8:
			out[i] = float64(b[0])
		case Int16:
			out[i] = float64(int16(order.Uint16(b)))
		case Int32:
			out[i] = float64(int32(order.Uint32(b)))
		case Uint32:
			out[i] = float64(order.Uint32(b))
		case Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case Int64:
			out[i] = float64(int64(order.Uint64(b)))
		case Uint64:
			out[i] = float64(order.Uint64(b))
		case Float64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
}

func encodeValues(values []float64, dt Datatype, out []byte) {
	sz := dt.Size()
	le := binary.LittleEndian
	for i, v := range values {
		b := out[i*sz : (i+1)*sz]
		switch dt {
		case Uint8:
			b[0] = uint8(v)
		case Int16:
			le.PutUint16(b, uint16(int16(v)))
		case Int32:
			le.PutUint32(b, uint32(int32(v)))
		case Uint32:
			le.PutUint32(b, uint32(v))
		case Float32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case Int64:
			le.PutUint64(b, uint64(int64(v)))
		case Uint64:
			le.PutUint64(b, uint64(v))
		case Float64:
			le.PutUint64(b, math.Float64bits(v))
		}
	}
}

// WriteImage stores img at path, as NIfTI-2 when any axis exceeds the
// NIfTI-1 limit. Paths ending in ".gz" are gzip compressed.
func WriteImage(path string, img *Image) error {
	if img.Datatype.Size() == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, img.Datatype)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}
	if err := encodeImage(w, img); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func encodeImage(w io.Writer, img *Image) error {
	if len(img.Dims) > 7 {
		return fmt.Errorf("fixelio: rank %d exceeds 7", len(img.Dims))
	}
	wide := false
	for _, d := range img.Dims {
		if d > maxNIfTI1Dim {
			wide = true
		}
	}
	le := binary.LittleEndian
	bitpix := int16(img.Datatype.Size() * 8)
	if wide {
		h := nifti2Header{
			SizeofHdr: nifti2HeaderSize,
			Magic:     nifti2Magic,
			Datatype:  int16(img.Datatype),
			Bitpix:    bitpix,
			VoxOffset: nifti2VoxOffset,
			SclSlope:  1,
			SformCode: 1,
			XYZTUnits: 2,
			SrowX:     img.Transform[0],
			SrowY:     img.Transform[1],
			SrowZ:     img.Transform[2],
		}
		h.Dim[0] = int64(len(img.Dims))
		h.Pixdim[0] = 1
		for i, d := range img.Dims {
			h.Dim[i+1] = int64(d)
			h.Pixdim[i+1] = pixdimAt(img, i)
		}
		if err := binary.Write(w, le, &h); err != nil {
			return err
		}
	} else {
		h := nifti1Header{
			SizeofHdr: nifti1HeaderSize,
			Datatype:  int16(img.Datatype),
			Bitpix:    bitpix,
			VoxOffset: nifti1VoxOffset,
			SclSlope:  1,
			SformCode: 1,
			XYZTUnits: 2,
			Magic:     nifti1Magic,
		}
		h.Dim[0] = int16(len(img.Dims))
		h.Pixdim[0] = 1
		for i, d := range img.Dims {
			h.Dim[i+1] = int16(d)
			h.Pixdim[i+1] = float32(pixdimAt(img, i))
		}
		for c := 0; c < 4; c++ {
			h.SrowX[c] = float32(img.Transform[0][c])
			h.SrowY[c] = float32(img.Transform[1][c])
			h.SrowZ[c] = float32(img.Transform[2][c])
		}
		if err := binary.Write(w, le, &h); err != nil {
			return err
		}
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	raw := make([]byte, len(img.Data)*img.Datatype.Size())
	encodeValues(img.Data, img.Datatype, raw)
	_, err := w.Write(raw)
	return err
}

func pixdimAt(img *Image, i int) float64 {
	if i < len(img.Pixdim) && img.Pixdim[i] > 0 {
		return img.Pixdim[i]
	}
	return 1
}
