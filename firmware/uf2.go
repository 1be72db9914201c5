// Package firmware parses UF2 firmware container files, adapted and
// generalized from the operator CLI's extractUF2Binary/readFirmwareInfo so
// the same logic serves both the CLI's "uf2-info" inspection command and
// the Downloader's image extraction before it is handed to a partition
// write.
package firmware

import (
	"encoding/binary"

	"openenterprise/meshota/otaerr"
)

const (
	uf2BlockSize   = 512
	uf2Magic1      = 0x0A324655
	uf2Magic2      = 0x9E5D5157
	uf2MagicFinal  = 0x0AB16F30
	uf2MaxPayload  = 476
	maxExtractSize = 4 * 1024 * 1024
)

// Exported mirrors of the block-layout constants, for callers that decode
// a UF2 stream block-by-block instead of calling ExtractUF2 on a whole
// buffered file (the Downloader's streaming write path).
const (
	UF2MagicStart = uf2Magic1
	UF2BlockSize  = uf2BlockSize
	UF2MaxPayload = uf2MaxPayload
)

// DecodeBlock validates one 512-byte UF2 block and returns its payload
// bytes (trimmed to the block's declared payload size) along with the
// total block count the file reports.
func DecodeBlock(block []byte) (payload []byte, blockCount uint32, err error) {
	if len(block) != uf2BlockSize {
		return nil, 0, otaerr.New(otaerr.InvalidSize, "firmware.DecodeBlock", nil)
	}
	if err := checkMagic(block); err != nil {
		return nil, 0, err
	}
	payloadSize := binary.LittleEndian.Uint32(block[16:20])
	if payloadSize > uf2MaxPayload {
		payloadSize = uf2MaxPayload
	}
	count := binary.LittleEndian.Uint32(block[24:28])
	return block[32 : 32+payloadSize], count, nil
}

// Image is the raw binary extracted from a UF2 container, laid out
// contiguously starting at BaseAddr.
type Image struct {
	BaseAddr uint32
	Data     []byte
}

// ExtractUF2 validates every 512-byte block's magic numbers and reassembles
// the payloads into one contiguous image ordered by target address.
func ExtractUF2(uf2Data []byte) (Image, error) {
	if len(uf2Data) < uf2BlockSize {
		return Image{}, otaerr.New(otaerr.InvalidSize, "firmware.ExtractUF2", nil)
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return Image{}, otaerr.New(otaerr.InvalidSize, "firmware.ExtractUF2", nil)
	}
	numBlocks := len(uf2Data) / uf2BlockSize

	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for i := 0; i < numBlocks; i++ {
		block := uf2Data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if err := checkMagic(block); err != nil {
			return Image{}, err
		}
		targetAddr := binary.LittleEndian.Uint32(block[12:16])
		payloadSize := binary.LittleEndian.Uint32(block[16:20])
		if targetAddr < minAddr {
			minAddr = targetAddr
		}
		if targetAddr+payloadSize > maxAddr {
			maxAddr = targetAddr + payloadSize
		}
	}

	outputSize := maxAddr - minAddr
	if outputSize > maxExtractSize {
		return Image{}, otaerr.New(otaerr.InvalidSize, "firmware.ExtractUF2", nil)
	}
	output := make([]byte, outputSize)

	for i := 0; i < numBlocks; i++ {
		block := uf2Data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		targetAddr := binary.LittleEndian.Uint32(block[12:16])
		payloadSize := binary.LittleEndian.Uint32(block[16:20])
		if payloadSize > uf2MaxPayload {
			payloadSize = uf2MaxPayload
		}
		offset := targetAddr - minAddr
		copy(output[offset:offset+payloadSize], block[32:32+payloadSize])
	}

	return Image{BaseAddr: minAddr, Data: output}, nil
}

func checkMagic(block []byte) error {
	magic1 := binary.LittleEndian.Uint32(block[0:4])
	magic2 := binary.LittleEndian.Uint32(block[4:8])
	magic3 := binary.LittleEndian.Uint32(block[508:512])
	if magic1 != uf2Magic1 || magic2 != uf2Magic2 || magic3 != uf2MagicFinal {
		return otaerr.New(otaerr.InvalidArg, "firmware.checkMagic", nil)
	}
	return nil
}

// BlockInfo summarizes a single UF2 block's header, for inspection tooling.
type BlockInfo struct {
	BlockNo, BlockCount uint32
	TargetAddr          uint32
	PayloadSize         uint32
	FamilyID            uint32
}

// ReadFirstBlockInfo parses just the first block's header, enough for a
// quick "is this a UF2 file, and what does it target" inspection without
// extracting the whole image.
func ReadFirstBlockInfo(uf2Data []byte) (BlockInfo, error) {
	if len(uf2Data) < uf2BlockSize {
		return BlockInfo{}, otaerr.New(otaerr.InvalidSize, "firmware.ReadFirstBlockInfo", nil)
	}
	block := uf2Data[:uf2BlockSize]
	if err := checkMagic(block); err != nil {
		return BlockInfo{}, err
	}
	return BlockInfo{
		BlockNo:     binary.LittleEndian.Uint32(block[20:24]),
		BlockCount:  binary.LittleEndian.Uint32(block[24:28]),
		TargetAddr:  binary.LittleEndian.Uint32(block[12:16]),
		PayloadSize: binary.LittleEndian.Uint32(block[16:20]),
		FamilyID:    binary.LittleEndian.Uint32(block[28:32]),
	}, nil
}
