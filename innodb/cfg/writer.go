package cfg

import (
	"bufio"
	"os"

	"github.com/juju/errors"

	"xmysql-ibd-parser/util"
)

// ErrCfgWrite 写cfg文件失败
var ErrCfgWrite = errors.New("cfg write error")

// cfgWriter 大端二进制写入器。字符串按(u32含NUL长度 + 字节 + NUL)写出。
type cfgWriter struct {
	w   *bufio.Writer
	err error
}

func (c *cfgWriter) bytes(buf []byte) {
	if c.err != nil {
		return
	}
	_, c.err = c.w.Write(buf)
}

func (c *cfgWriter) u8(v uint8) {
	c.bytes([]byte{v})
}

func (c *cfgWriter) u32(v uint32) {
	var buf [4]byte
	util.MachWriteTo4(buf[:], 0, v)
	c.bytes(buf[:])
}

func (c *cfgWriter) u64(v uint64) {
	var buf [8]byte
	util.MachWriteTo8(buf[:], 0, v)
	c.bytes(buf[:])
}

func (c *cfgWriter) str(s string) {
	c.u32(uint32(len(s) + 1))
	c.bytes(append([]byte(s), 0))
}

// WriteFile 按v7布局写出.cfg
func WriteFile(path string, table *Table, hostname string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Annotatef(ErrCfgWrite, "create %s: %v", path, err)
	}
	defer f.Close()

	c := &cfgWriter{w: bufio.NewWriter(f)}

	c.u32(CfgVersionV7)

	if hostname == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			hostname = h
		} else {
			hostname = "xmysql-ibd-parser"
		}
	}
	c.str(hostname)
	c.str(table.Name)

	c.u64(table.Autoinc)

	c.u32(table.PageSize)
	c.u32(table.TableFlags)
	c.u32(uint32(len(table.Columns)))

	c.u32(table.NInstantNullable)

	c.u32(table.InitialColCount)
	c.u32(table.CurrentColCount)
	c.u32(table.TotalColCount)
	c.u32(table.NInstantDropCols)
	c.u32(table.CurrentRowVersion)

	c.u32(table.SpaceFlags)
	c.u8(table.CompressionType)

	for i := range table.Columns {
		col := &table.Columns[i]
		c.u32(col.Prtype)
		c.u32(col.Mtype)
		c.u32(col.Len)
		c.u32(col.Mbminmaxlen)
		c.u32(col.Ind)
		c.u32(col.OrdPart)
		c.u32(col.MaxPrefix)

		c.str(col.Name)

		c.u8(col.VersionAdded)
		c.u8(col.VersionDropped)
		c.u32(col.PhyPos)

		if col.IsInstantDropped {
			var nullable, unsigned uint8
			if col.IsNullable {
				nullable = 1
			}
			if col.IsUnsigned {
				unsigned = 1
			}
			c.u8(nullable)
			c.u8(unsigned)
			c.u32(col.CharLength)
			c.u32(uint32(col.DdType))
			c.u32(col.NumericScale)
			c.u64(col.CollationID)

			if col.DdType == DdTypeEnum || col.DdType == DdTypeSet {
				c.u32(uint32(len(col.Elements)))
				for _, elem := range col.Elements {
					c.str(elem)
				}
			}
		}

		if col.HasInstantDefault {
			c.u8(1)
			if col.InstantDefaultNull {
				c.u8(1)
			} else {
				c.u8(0)
				c.u32(uint32(len(col.InstantDefault)))
				if len(col.InstantDefault) > 0 {
					c.bytes(col.InstantDefault)
				}
			}
		} else {
			c.u8(0)
		}
	}

	c.u32(uint32(len(table.Indexes)))

	for i := range table.Indexes {
		index := &table.Indexes[i]
		c.u64(index.ID)
		c.u32(index.Space)
		c.u32(index.Page)
		c.u32(index.Type)
		c.u32(index.TrxIDOffset)
		c.u32(index.NUserDefinedCols)
		c.u32(index.NUniq)
		c.u32(index.NNullable)
		c.u32(index.NFields)

		c.str(index.Name)

		for j := range index.Fields {
			field := &index.Fields[j]
			c.u32(field.PrefixLen)
			c.u32(field.FixedLen)
			c.u32(field.IsAscending)
			c.str(field.Name)
		}
	}

	if c.err != nil {
		return errors.Annotatef(ErrCfgWrite, "%s: %v", path, c.err)
	}
	if err := c.w.Flush(); err != nil {
		return errors.Annotatef(ErrCfgWrite, "flush %s: %v", path, err)
	}
	return nil
}
