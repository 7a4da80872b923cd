// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
// Only the subset needed by the pipeline is supported: 3D and 4D images with
// integer or floating point voxels, sform/qform/pixdim spatial information and
// the repetition time stored in pixdim[4].
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
)

const (
	headerSize = 348
	voxOffset  = 352
)

// NIfTI datatype codes.
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
)

// header mirrors the on-disk NIfTI-1 header byte for byte.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
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
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
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

// Info is the spatial and temporal description of an image, available without
// reading voxel data.
type Info struct {
	// NDim is the number of dimensions declared in the header (dim[0])
	NDim int

	// Grid is the spatial lattice of the image
	Grid models.Grid

	// Frames is the number of volumes (1 for 3D images)
	Frames int

	// TR is the repetition time in seconds (pixdim[4]); zero if unknown
	TR float64
}

// Probe reads only the header of a NIfTI file.
func Probe(path string) (*Info, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closer()

	hdr, _, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	return infoFromHeader(hdr), nil
}

// ReadSeries loads a 3D or 4D image as a series. A 3D image yields one frame.
func ReadSeries(path string) (*models.Series, error) {
	r, closer, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closer()

	hdr, order, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	info := infoFromHeader(hdr)

	// Skip extensions up to the voxel offset.
	offset := int64(hdr.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("seek voxel data %s: %w", path, err)
	}

	series := models.NewSeries(info.Grid, info.Frames, info.TR)
	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	n := info.Grid.Len()
	buf := make([]byte, n*bytesPerVoxel(hdr.Datatype))
	for t := 0; t < info.Frames; t++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read volume %d of %s: %w", t, path, err)
		}
		if err := decode(buf, hdr.Datatype, order, series.Frames[t]); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if slope != 1 || inter != 0 {
			for i, v := range series.Frames[t] {
				series.Frames[t][i] = v*slope + inter
			}
		}
	}
	return series, nil
}

// ReadVolume loads a 3D image. A 4D image with a single frame is accepted.
func ReadVolume(path string) (*models.Volume, error) {
	series, err := ReadSeries(path)
	if err != nil {
		return nil, err
	}
	if series.Len() != 1 {
		return nil, fmt.Errorf("%s: expected a 3D volume, got %d frames", path, series.Len())
	}
	return series.Volume(0), nil
}

// WriteVolume writes a 3D image with float32 voxels.
func WriteVolume(path string, v *models.Volume) error {
	s := &models.Series{Grid: v.Grid, Frames: [][]float64{v.Data}}
	return write(path, s, 3)
}

// WriteSeries writes a 4D image with float32 voxels and the series TR.
func WriteSeries(path string, s *models.Series) error {
	return write(path, s, 4)
}

func write(path string, s *models.Series, ndim int) error {
	if s.Grid.Len() == 0 {
		return fmt.Errorf("write %s: empty grid", path)
	}
	hdr := newHeader(s, ndim)

	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body.Write(make([]byte, voxOffset-headerSize))
	for _, frame := range s.Frames {
		if len(frame) != s.Grid.Len() {
			return fmt.Errorf("write %s: frame has %d voxels, grid has %d", path, len(frame), s.Grid.Len())
		}
		for _, v := range frame {
			if err := binary.Write(&body, binary.LittleEndian, float32(v)); err != nil {
				return fmt.Errorf("encode voxels: %w", err)
			}
		}
	}

	return fsutil.WriteWith(path, func(w io.Writer) error {
		if !strings.HasSuffix(path, ".gz") {
			_, err := w.Write(body.Bytes())
			return err
		}
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(body.Bytes()); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		return zw.Close()
	})
}

func newHeader(s *models.Series, ndim int) *header {
	hdr := &header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  typeFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2 | 8, // mm, seconds
		QformCode: 0,
		SformCode: 1,
	}
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "boldprep")

	hdr.Dim[0] = int16(ndim)
	for i := 0; i < 3; i++ {
		hdr.Dim[i+1] = int16(s.Dims[i])
		hdr.Pixdim[i+1] = float32(s.VoxelSize[i])
	}
	hdr.Pixdim[0] = 1
	frames := len(s.Frames)
	if frames < 1 {
		frames = 1
	}
	hdr.Dim[4] = int16(frames)
	for i := 5; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[4] = float32(s.TR)

	a := s.Affine
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(a[0][j])
		hdr.SrowY[j] = float32(a[1][j])
		hdr.SrowZ[j] = float32(a[2][j])
	}
	return hdr
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	br := bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		return zr, func() { zr.Close(); f.Close() }, nil
	}
	return br, func() { f.Close() }, nil
}

func readHeader(r io.Reader) (*header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(order.Uint32(raw[:4])) != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 header")
		}
	}

	hdr := &header{}
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, nil, err
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, nil, fmt.Errorf("unsupported NIfTI magic %q", hdr.Magic[:3])
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("invalid dimension count %d", hdr.Dim[0])
	}
	switch hdr.Datatype {
	case typeUint8, typeInt8, typeInt16, typeUint16, typeInt32, typeFloat32, typeFloat64:
	default:
		return nil, nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}
	return hdr, order, nil
}

func infoFromHeader(hdr *header) *Info {
	ndim := int(hdr.Dim[0])
	var dims [3]int
	var vox [3]float64
	for i := 0; i < 3; i++ {
		dims[i] = 1
		vox[i] = 1
		if i < ndim {
			dims[i] = int(hdr.Dim[i+1])
		}
		if p := float64(hdr.Pixdim[i+1]); p > 0 {
			vox[i] = p
		}
	}
	frames := 1
	if ndim >= 4 && hdr.Dim[4] > 0 {
		frames = int(hdr.Dim[4])
	}

	grid := models.Grid{Dims: dims, VoxelSize: vox, Affine: affineFromHeader(hdr, vox)}

	tr := 0.0
	if ndim >= 4 {
		tr = float64(hdr.Pixdim[4])
		// xyzt_units time bits: 16 = msec, 24 = usec
		switch hdr.XyztUnits & 0x38 {
		case 16:
			tr /= 1e3
		case 24:
			tr /= 1e6
		}
	}
	return &Info{NDim: ndim, Grid: grid, Frames: frames, TR: tr}
}

func affineFromHeader(hdr *header, vox [3]float64) models.Affine {
	if hdr.SformCode > 0 {
		a := models.Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		return a
	}
	if hdr.QformCode > 0 {
		return qformAffine(hdr, vox)
	}
	return models.ScaleAffine(vox)
}

// qformAffine builds the voxel-to-world matrix from the quaternion parameters.
func qformAffine(hdr *header, vox [3]float64) models.Affine {
	b, c, d := float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := 1.0
	if hdr.Pixdim[0] < 0 {
		qfac = -1
	}
	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	scale := [3]float64{vox[0], vox[1], vox[2] * qfac}
	out := models.Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][j] * scale[j]
		}
	}
	out[0][3] = float64(hdr.QoffsetX)
	out[1][3] = float64(hdr.QoffsetY)
	out[2][3] = float64(hdr.QoffsetZ)
	return out
}

func bytesPerVoxel(datatype int16) int {
	switch datatype {
	case typeUint8, typeInt8:
		return 1
	case typeInt16, typeUint16:
		return 2
	case typeInt32, typeFloat32:
		return 4
	default:
		return 8
	}
}

func decode(buf []byte, datatype int16, order binary.ByteOrder, dst []float64) error {
	switch datatype {
	case typeUint8:
		for i := range dst {
			dst[i] = float64(buf[i])
		}
	case typeInt8:
		for i := range dst {
			dst[i] = float64(int8(buf[i]))
		}
	case typeInt16:
		for i := range dst {
			dst[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case typeUint16:
		for i := range dst {
			dst[i] = float64(order.Uint16(buf[2*i:]))
		}
	case typeInt32:
		for i := range dst {
			dst[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case typeFloat32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case typeFloat64:
		for i := range dst {
			dst[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	default:
		return fmt.Errorf("unsupported datatype %d", datatype)
	}
	return nil
}
