package roborock

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// Map blob block types.
const (
	mapBlockRobot  = 8
	mapBlockImage  = 2
	mapBlockCarpet = 17
)

// Image pixel classes.
const (
	pixelOutside = 0x00
	pixelWall    = 0x01
	pixelScan    = 0x07
	pixelInside  = 0xFF
)

var errNoImageBlock = errors.New("map image block not found")

// MapImage is a rendered map.
type MapImage struct {
	PNG    []byte `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Segments lists the room segment ids painted on the map.
	Segments []int `json:"segments"`
}

// MapImage fetches the device map and renders it. A nil image means the
// device has no map support.
func (b *Bridge) MapImage(ctx context.Context, duid string) (*MapImage, error) {
	m, err := b.HomeMap(ctx, duid)
	if err != nil || m == nil {
		return nil, err
	}
	img, err := RenderMap(m.Data)
	if err != nil {
		return nil, fmt.Errorf("render map %s: %w", duid, err)
	}
	return img, nil
}

type mapLayers struct {
	image  *imageLayer
	robot  *image.Point
	carpet map[int]bool
}

type imageLayer struct {
	left, top     int
	width, height int
	pixels        []byte
}

// RenderMap draws a map blob as a PNG. Gzipped blobs are accepted.
func RenderMap(raw []byte) (*MapImage, error) {
	data := raw
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("map gzip: %w", err)
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, fmt.Errorf("map gzip: %w", err)
		}
	}
	layers, err := parseMapBlocks(data)
	if err != nil {
		return nil, err
	}
	if layers.image == nil {
		return nil, errNoImageBlock
	}
	return drawMap(layers)
}

func parseMapBlocks(data []byte) (mapLayers, error) {
	layers := mapLayers{carpet: make(map[int]bool)}
	if len(data) < 4 {
		return layers, errors.New("map blob too short")
	}
	pos := int(binary.LittleEndian.Uint16(data[2:]))
	if pos <= 0 || pos >= len(data) {
		return layers, errors.New("invalid map header length")
	}
	for pos+8 <= len(data) {
		headerLen := int(binary.LittleEndian.Uint16(data[pos+2:]))
		if headerLen < 8 || pos+headerLen > len(data) {
			break
		}
		header := data[pos : pos+headerLen]
		kind := binary.LittleEndian.Uint16(header)
		dataLen := int(binary.LittleEndian.Uint32(header[4:]))
		start := pos + headerLen
		if dataLen < 0 || start+dataLen > len(data) {
			break
		}
		body := data[start : start+dataLen]

		switch kind {
		case mapBlockImage:
			if headerLen < 24 {
				break
			}
			tail := header[headerLen-16:]
			layer := &imageLayer{
				top:    int(int32(binary.LittleEndian.Uint32(tail[0:]))),
				left:   int(int32(binary.LittleEndian.Uint32(tail[4:]))),
				height: int(int32(binary.LittleEndian.Uint32(tail[8:]))),
				width:  int(int32(binary.LittleEndian.Uint32(tail[12:]))),
				pixels: body,
			}
			if layer.width > 0 && layer.height > 0 && len(body) >= layer.width*layer.height {
				layers.image = layer
			}
		case mapBlockCarpet:
			for i, v := range body {
				if v != 0 {
					layers.carpet[i] = true
				}
			}
		case mapBlockRobot:
			if dataLen >= 8 {
				layers.robot = &image.Point{
					X: int(int32(binary.LittleEndian.Uint32(body[0:]))),
					Y: int(int32(binary.LittleEndian.Uint32(body[4:]))),
				}
			}
		}
		pos = start + dataLen
	}
	return layers, nil
}

func drawMap(layers mapLayers) (*MapImage, error) {
	layer := layers.image
	img := image.NewRGBA(image.Rect(0, 0, layer.width, layer.height))
	segments := make(map[int]bool)
	for row := 0; row < layer.height; row++ {
		y := layer.height - row - 1
		for x := 0; x < layer.width; x++ {
			idx := row*layer.width + x
			px := layer.pixels[idx]
			if layers.carpet[idx] && (x+y)%2 == 1 {
				img.SetRGBA(x, y, carpetColor)
				continue
			}
			c, segment := pixelColor(px)
			if segment > 0 {
				segments[segment] = true
			}
			img.SetRGBA(x, y, c)
		}
	}
	if r := layers.robot; r != nil {
		// Robot coordinates are in millimetres; pixels are 50mm.
		rx := int(math.Round(float64(r.X)/50)) - layer.left
		ry := int(math.Round(float64(r.Y)/50)) - layer.top
		drawDot(img, rx, layer.height-ry-1, robotColor)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	out := &MapImage{PNG: buf.Bytes(), Width: layer.width, Height: layer.height, Segments: []int{}}
	for id := range segments {
		out.Segments = append(out.Segments, id)
	}
	sort.Ints(out.Segments)
	return out, nil
}

var (
	wallColor     = color.RGBA{40, 40, 40, 255}
	wallAltColor  = color.RGBA{60, 60, 60, 255}
	greyWallColor = color.RGBA{90, 90, 90, 255}
	floorColor    = color.RGBA{230, 230, 230, 255}
	scanColor     = color.RGBA{200, 220, 255, 255}
	unknownColor  = color.RGBA{180, 80, 180, 255}
	carpetColor   = color.RGBA{220, 160, 90, 255}
	robotColor    = color.RGBA{240, 70, 70, 255}
)

// pixelColor returns the colour of a pixel and its room segment, if any.
func pixelColor(px byte) (color.RGBA, int) {
	switch px {
	case pixelOutside:
		return color.RGBA{}, 0
	case pixelWall:
		return wallColor, 0
	case pixelInside:
		return floorColor, 0
	case pixelScan:
		return scanColor, 0
	}
	switch px & 0x07 {
	case 0:
		return greyWallColor, 0
	case 1:
		return wallAltColor, 0
	case 7:
		segment := int(px) >> 3
		return segmentColor(segment), segment
	default:
		return unknownColor, 0
	}
}

// segmentColor spreads room hues around the colour wheel.
func segmentColor(segment int) color.RGBA {
	h := float64((segment * 47) % 360)
	const s, v = 0.45, 0.9
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g = c, x
	case h < 120:
		r, g = x, c
	case h < 180:
		g, b = c, x
	case h < 240:
		g, b = x, c
	case h < 300:
		r, b = x, c
	default:
		r, b = c, x
	}
	return color.RGBA{uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255), 255}
}

func drawDot(img *image.RGBA, x, y int, c color.RGBA) {
	bounds := img.Bounds()
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			p := image.Pt(x+dx, y+dy)
			if dx*dx+dy*dy <= 4 && p.In(bounds) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}
