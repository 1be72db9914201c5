package firmware

import (
	"encoding/binary"
	"testing"
)

func buildBlock(blockNo, blockCount, targetAddr uint32, payload []byte) []byte {
	b := make([]byte, 512)
	binary.LittleEndian.PutUint32(b[0:4], uf2Magic1)
	binary.LittleEndian.PutUint32(b[4:8], uf2Magic2)
	binary.LittleEndian.PutUint32(b[12:16], targetAddr)
	binary.LittleEndian.PutUint32(b[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[20:24], blockNo)
	binary.LittleEndian.PutUint32(b[24:28], blockCount)
	copy(b[32:32+len(payload)], payload)
	binary.LittleEndian.PutUint32(b[508:512], uf2MagicFinal)
	return b
}

func TestExtractUF2ReassemblesContiguousImage(t *testing.T) {
	p0 := []byte{1, 2, 3, 4}
	p1 := []byte{5, 6, 7, 8}
	data := append(buildBlock(0, 2, 0x1000, p0), buildBlock(1, 2, 0x1004, p1)...)

	img, err := ExtractUF2(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.BaseAddr != 0x1000 {
		t.Fatalf("got base %x", img.BaseAddr)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if string(img.Data) != string(want) {
		t.Fatalf("got %v want %v", img.Data, want)
	}
}

func TestExtractUF2RejectsBadMagic(t *testing.T) {
	b := buildBlock(0, 1, 0, []byte{1})
	b[0] = 0 // corrupt magic
	if _, err := ExtractUF2(b); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestExtractUF2RejectsShortFile(t *testing.T) {
	if _, err := ExtractUF2(make([]byte, 100)); err == nil {
		t.Fatal("expected error for undersized file")
	}
}

func TestReadFirstBlockInfo(t *testing.T) {
	b := buildBlock(0, 4, 0x2000, []byte{0xAA})
	info, err := ReadFirstBlockInfo(b)
	if err != nil {
		t.Fatal(err)
	}
	if info.TargetAddr != 0x2000 || info.BlockCount != 4 {
		t.Fatalf("got %+v", info)
	}
}
