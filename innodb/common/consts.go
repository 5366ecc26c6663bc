// Package common 定义InnoDB表空间文件的磁盘格式常量。
// 所有偏移量均以字节为单位，相对于页面起始位置或各自的头部起始位置。
package common

// 文件页头部(38字节)各字段偏移
const (
	FIL_PAGE_SPACE_OR_CHKSUM        = 0  // 校验和(旧版为space id)
	FIL_PAGE_OFFSET                 = 4  // 页号
	FIL_PAGE_PREV                   = 8  // 前驱页号
	FIL_PAGE_NEXT                   = 12 // 后继页号
	FIL_PAGE_LSN                    = 16 // 最近修改LSN
	FIL_PAGE_TYPE                   = 24 // 页面类型
	FIL_PAGE_FILE_FLUSH_LSN         = 26 // 系统表空间首页flush LSN
	FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID = 34 // 表空间ID
	FIL_PAGE_DATA                   = 38 // 页体起始

	// 页尾(8字节): 低4字节校验和 + 高4字节LSN低32位
	FIL_PAGE_END_LSN_OLD_CHKSUM = 8

	FIL_NULL = 0xFFFFFFFF
)

// 页面类型编码
const (
	FIL_PAGE_TYPE_ALLOCATED  uint16 = 0
	FIL_PAGE_UNDO_LOG        uint16 = 2
	FIL_PAGE_INODE           uint16 = 3
	FIL_PAGE_IBUF_FREE_LIST  uint16 = 4
	FIL_PAGE_IBUF_BITMAP     uint16 = 5
	FIL_PAGE_TYPE_SYS        uint16 = 6
	FIL_PAGE_TYPE_TRX_SYS    uint16 = 7
	FIL_PAGE_TYPE_FSP_HDR    uint16 = 8
	FIL_PAGE_TYPE_XDES       uint16 = 9
	FIL_PAGE_TYPE_BLOB       uint16 = 10
	FIL_PAGE_TYPE_ZBLOB      uint16 = 11
	FIL_PAGE_TYPE_ZBLOB2     uint16 = 12
	FIL_PAGE_TYPE_UNKNOWN    uint16 = 13
	FIL_PAGE_TYPE_COMPRESSED uint16 = 14
	FIL_PAGE_TYPE_ENCRYPTED  uint16 = 15
	FIL_PAGE_SDI_BLOB        uint16 = 18
	FIL_PAGE_SDI_ZBLOB       uint16 = 19
	FIL_PAGE_TYPE_LOB_INDEX  uint16 = 22
	FIL_PAGE_TYPE_LOB_DATA   uint16 = 23
	FIL_PAGE_TYPE_LOB_FIRST  uint16 = 24
	FIL_PAGE_TYPE_ZLOB_FIRST uint16 = 25
	FIL_PAGE_TYPE_ZLOB_DATA  uint16 = 26
	FIL_PAGE_TYPE_ZLOB_INDEX uint16 = 27
	FIL_PAGE_TYPE_ZLOB_FRAG  uint16 = 28
	FIL_PAGE_SDI             uint16 = 17853
	FIL_PAGE_RTREE           uint16 = 17854
	FIL_PAGE_INDEX           uint16 = 17855
)

// 页面尺寸
const (
	UNIV_PAGE_SIZE_ORIG = 16384 // 逻辑页默认16KB
	UNIV_ZIP_SIZE_MIN   = 1024  // 最小物理页
	UNIV_PAGE_SIZE_MAX  = 65536
	UNIV_PAGE_SIZE_MIN  = 4096
)

// INDEX页页头(紧跟文件页头之后)各字段偏移，相对于PAGE_HEADER
const (
	PAGE_HEADER = FIL_PAGE_DATA

	PAGE_N_DIR_SLOTS = 0  // 目录槽数
	PAGE_HEAP_TOP    = 2  // 堆顶指针
	PAGE_N_HEAP      = 4  // 堆内记录数(最高位=COMPACT标志)
	PAGE_FREE        = 6  // 已删除记录链表头
	PAGE_GARBAGE     = 8  // 已删除字节数
	PAGE_LAST_INSERT = 10 // 最近插入位置
	PAGE_DIRECTION   = 12 // 插入方向
	PAGE_N_DIRECTION = 14 // 同方向连续插入数
	PAGE_N_RECS      = 16 // 用户记录数
	PAGE_MAX_TRX_ID  = 18 // 最大事务ID
	PAGE_HEADER_PRIV_END = 26
	PAGE_LEVEL       = 26 // B树层级,0为叶子
	PAGE_INDEX_ID    = 28 // 所属索引ID
	PAGE_BTR_SEG_LEAF = 36 // 叶子段头
	PAGE_BTR_SEG_TOP  = 46 // 非叶子段头

	FSEG_HEADER_SIZE = 10

	// 页体起始: 文件页头38 + 页头36 + 两个段头20
	PAGE_DATA = PAGE_HEADER + 36 + 2*FSEG_HEADER_SIZE

	PAGE_NEW_INFIMUM      = PAGE_DATA + REC_N_NEW_EXTRA_BYTES      // 99
	PAGE_NEW_SUPREMUM     = PAGE_DATA + 2*REC_N_NEW_EXTRA_BYTES + 8 // 112
	PAGE_NEW_SUPREMUM_END = PAGE_NEW_SUPREMUM + 8                   // 120

	PAGE_HEAP_NO_USER_LOW = 2

	PAGE_DIR                  = FIL_PAGE_END_LSN_OLD_CHKSUM // 目录从页尾校验和前开始
	PAGE_DIR_SLOT_SIZE        = 2
	PAGE_DIR_SLOT_MIN_N_OWNED = 4
	PAGE_DIR_SLOT_MAX_N_OWNED = 8

	PAGE_NO_DIRECTION = 5
)

// COMPACT记录头
const (
	REC_N_NEW_EXTRA_BYTES = 5
	REC_NEXT              = 2 // next指针在origin-2处

	REC_NEW_STATUS_SHIFT = 0
	REC_STATUS_ORDINARY  = 0
	REC_STATUS_NODE_PTR  = 1
	REC_STATUS_INFIMUM   = 2
	REC_STATUS_SUPREMUM  = 3

	REC_INFO_MIN_REC_FLAG = 0x10
	REC_INFO_DELETED_FLAG = 0x20
	REC_INFO_VERSION_FLAG = 0x40
	REC_INFO_INSTANT_FLAG = 0x80

	REC_N_FIELDS_TWO_BYTES_FLAG = 0x80

	// 外部存储字段的20字节引用
	FIELD_REF_SIZE      = 20
	BTR_EXTERN_SPACE_ID = 0
	BTR_EXTERN_PAGE_NO  = 4
	BTR_EXTERN_OFFSET   = 8
	BTR_EXTERN_VERSION  = 8 // 新LOB格式复用该槽位存版本号
	BTR_EXTERN_LEN      = 12

	BTR_EXTERN_OWNER_FLAG        = 0x80
	BTR_EXTERN_INHERITED_FLAG    = 0x40
	BTR_EXTERN_BEING_MODIFIED_FLAG = 0x80 // LEN高字节最高位
)

// 系统列长度
const (
	DATA_ROW_ID_LEN   = 6
	DATA_TRX_ID_LEN   = 6
	DATA_ROLL_PTR_LEN = 7
)

// FSP头(页0页体)字段偏移，相对于FSP_HEADER_OFFSET
const (
	FSP_HEADER_OFFSET = FIL_PAGE_DATA

	FSP_SPACE_ID    = 0
	FSP_NOT_USED    = 4
	FSP_SIZE        = 8
	FSP_FREE_LIMIT  = 12
	FSP_SPACE_FLAGS = 16
	FSP_FRAG_N_USED = 20

	FSP_HEADER_SIZE = 112

	SPACE_UNKNOWN = 0xFFFFFFFF
)

// XDES区描述符
const (
	XDES_ID         = 0
	XDES_FLST_NODE  = 8
	XDES_STATE      = 20
	XDES_BITMAP     = 24
	XDES_BITS_PER_PAGE = 2
	XDES_FREE_BIT   = 0
	XDES_CLEAN_BIT  = 1

	XDES_ARR_OFFSET = FSP_HEADER_OFFSET + FSP_HEADER_SIZE
)

// 加密信息块
const (
	ENCRYPTION_MAGIC_SIZE    = 3
	ENCRYPTION_KEY_LEN       = 32
	ENCRYPTION_IV_LEN        = 16
	ENCRYPTION_SERVER_UUID_LEN = 36
	ENCRYPTION_INFO_MAX_SIZE = 115 + 4 // 信息块 + 预留
)

// SDI
const (
	SDI_VERSION = 1

	// SDI记录载荷布局(相对record origin)
	SDI_REC_TYPE_LEN   = 4
	SDI_REC_ID_LEN     = 8
	SDI_REC_OFF_TYPE   = 0
	SDI_REC_OFF_ID     = SDI_REC_OFF_TYPE + SDI_REC_TYPE_LEN
	SDI_REC_OFF_TRX_ID = SDI_REC_OFF_ID + SDI_REC_ID_LEN
	SDI_REC_OFF_ROLL_PTR = SDI_REC_OFF_TRX_ID + DATA_TRX_ID_LEN
	SDI_REC_OFF_UNCOMP_LEN = SDI_REC_OFF_ROLL_PTR + DATA_ROLL_PTR_LEN
	SDI_REC_OFF_COMP_LEN   = SDI_REC_OFF_UNCOMP_LEN + 4
	SDI_REC_OFF_DATA       = SDI_REC_OFF_COMP_LEN + 4

	// SDI BLOB页的8字节头
	SDI_BLOB_HDR_PART_LEN     = 0
	SDI_BLOB_HDR_NEXT_PAGE_NO = 4
	SDI_BLOB_HDR_SIZE         = 8
)

// 旧格式BLOB页头(紧跟文件页头)
const (
	BTR_BLOB_HDR_PART_LEN     = 0
	BTR_BLOB_HDR_NEXT_PAGE_NO = 4
	BTR_BLOB_HDR_SIZE         = 8
)

// InfimumSupremumCompact COMPACT页的两条伪记录的固定字节序列，
// 自PAGE_DATA起连续存放。
var InfimumSupremumCompact = []byte{
	// infimum: info+n_owned=0x01, heap_no|status=0x0002(infimum), next=13
	0x01, 0x00, 0x02, 0x00, 0x0d,
	'i', 'n', 'f', 'i', 'm', 'u', 'm', 0x00,
	// supremum: info+n_owned=0x01, heap_no|status=0x000b(supremum), next=0
	0x01, 0x00, 0x0b, 0x00, 0x00,
	's', 'u', 'p', 'r', 'e', 'm', 'u', 'm',
}
