package amd64

// Byte offsets into the zero page (struct boot_params). The setup header
// occupies [hdrStart, hdrStart+hdr length) and is copied from the bzImage.
const (
	zeroPageSize = 4096

	bpE820Entries = 0x1e8
	bpE820Table   = 0x2d0

	hdrStart           = 0x1f1
	hdrBootFlag        = 0x1fe
	hdrJumpLen         = 0x201
	hdrSignature       = 0x202
	hdrVersion         = 0x206
	hdrTypeOfLoader    = 0x210
	hdrLoadFlags       = 0x211
	hdrCode32Start     = 0x214
	hdrRamdiskImage    = 0x218
	hdrRamdiskSize     = 0x21c
	hdrHeapEndPtr      = 0x224
	hdrCmdLinePtr      = 0x228
	hdrInitrdAddrMax   = 0x22c
	hdrKernelAlignment = 0x230
	hdrRelocatable     = 0x234
	hdrXLoadFlags      = 0x236
	hdrCmdlineSize     = 0x238
	hdrInitSize        = 0x260
	hdrEnd             = 0x26c

	hdrMagic = "HdrS"
)
